// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package tabstore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/parley-chat/parley/lib/clock"
)

// schema creates the shared tables. Runs on every connection open;
// IF NOT EXISTS makes it idempotent across tabs racing to initialize
// the same file.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	tab_id           TEXT PRIMARY KEY,
	record           BLOB NOT NULL,
	last_activity_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS presence (
	key           TEXT PRIMARY KEY,
	record        BLOB NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS bus (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	topic           TEXT NOT NULL,
	sender_tab      TEXT NOT NULL,
	record          BLOB NOT NULL,
	published_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS bus_topic_seq ON bus(topic, seq);
`

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the filesystem path of the shared SQLite file. The
	// parent directory must exist; the file is created on first open.
	// ":memory:" gives a private in-memory store (tests only — other
	// tabs cannot see it; PoolSize is forced to 1).
	Path string

	// PoolSize is the number of pooled connections. Zero defaults
	// to 2: the bus poller reads while the owning component writes.
	PoolSize int

	// Clock supplies timestamps for session activity, presence
	// writes, and bus records. Nil defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

// Store is the shared storage handle for one tab. Safe for concurrent
// use; individual connections are not, so every operation takes its
// own connection from the pool.
type Store struct {
	pool   *sqlitex.Pool
	clock  clock.Clock
	logger *slog.Logger
	path   string
}

// Open opens (creating if needed) the shared store. The caller must
// call Close when the tab shuts down.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("tabstore: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}
	if cfg.Path == ":memory:" {
		// Each in-memory connection is an independent database; more
		// than one connection would see an empty store.
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tabstore: opening %s: %w", cfg.Path, err)
	}

	logger.Info("shared tab store opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{
		pool:   pool,
		clock:  clk,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// Close releases all pooled connections. Blocks until borrowed
// connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("tabstore: closing %s: %w", s.path, err)
	}
	s.logger.Info("shared tab store closed", "path", s.path)
	return nil
}

// nowMS returns the current time in Unix milliseconds, the timestamp
// unit for every table in the store.
func (s *Store) nowMS() int64 {
	return s.clock.Now().UnixMilli()
}

// withConn runs fn with a pooled connection.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("tabstore: take connection: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// prepareConnection applies the standard pragmas and the schema. WAL
// keeps every other tab's reads unblocked while this tab writes;
// busy_timeout absorbs write contention between tabs.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("tabstore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("tabstore: applying schema: %w", err)
	}
	return nil
}

// columnBlob copies the blob in the given result column.
func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}
