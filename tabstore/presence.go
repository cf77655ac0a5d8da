// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package tabstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/parley-chat/parley/lib/codec"
	"github.com/parley-chat/parley/lib/ref"
)

// presenceKey is the single row under which the online set lives.
const presenceKey = "online"

// PresenceSnapshot is the durable copy of the most recent
// authoritative online-user push received by any tab.
type PresenceSnapshot struct {
	IDs        []ref.UserID `cbor:"ids"`
	PushedAtMS int64        `cbor:"pushed_at_ms"`
}

// PutPresence writes the snapshot, last-writer-wins by push timestamp:
// a snapshot older than the stored one is silently discarded. Two tabs
// hold independent backend connections, so their pushes can arrive out
// of order; the guard keeps a stale push from rolling the shared set
// backwards.
func (s *Store) PutPresence(ctx context.Context, snapshot PresenceSnapshot) error {
	if snapshot.PushedAtMS == 0 {
		snapshot.PushedAtMS = s.nowMS()
	}
	record, err := codec.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("tabstore: encoding presence snapshot: %w", err)
	}

	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO presence (key, record, updated_at_ms)
			 VALUES (?, ?, ?)
			 ON CONFLICT (key) DO UPDATE SET
			   record = excluded.record,
			   updated_at_ms = excluded.updated_at_ms
			 WHERE excluded.updated_at_ms >= presence.updated_at_ms`,
			&sqlitex.ExecOptions{
				Args: []any{presenceKey, record, snapshot.PushedAtMS},
			})
		if err != nil {
			return fmt.Errorf("tabstore: writing presence snapshot: %w", err)
		}
		return nil
	})
}

// Presence returns the durable presence snapshot. The second return
// value is false when no push has ever been stored.
func (s *Store) Presence(ctx context.Context) (PresenceSnapshot, bool, error) {
	var snapshot PresenceSnapshot
	var found bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT record FROM presence WHERE key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{presenceKey},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					if err := codec.Unmarshal(columnBlob(stmt, 0), &snapshot); err != nil {
						return fmt.Errorf("decoding presence record: %w", err)
					}
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return PresenceSnapshot{}, false, fmt.Errorf("tabstore: reading presence snapshot: %w", err)
	}
	return snapshot, found, nil
}
