// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package tabstore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/parley-chat/parley/lib/codec"
	"github.com/parley-chat/parley/lib/ref"
)

// Session is one tab's entry in the shared session table. Written
// only by the owning tab; readable by all tabs of the profile.
type Session struct {
	TabID          ref.TabID  `cbor:"tab_id"`
	UserID         ref.UserID `cbor:"user_id"`
	DisplayName    string     `cbor:"display_name"`
	AvatarRef      string     `cbor:"avatar_ref,omitempty"`
	LoginTimeMS    int64      `cbor:"login_time_ms"`
	LastActivityMS int64      `cbor:"last_activity_ms"`
}

// PutSession inserts or replaces the tab's session record. LoginTimeMS
// and LastActivityMS are stamped from the store clock when zero.
func (s *Store) PutSession(ctx context.Context, session Session) error {
	if session.TabID.IsZero() {
		return fmt.Errorf("tabstore: session requires a tab ID")
	}
	now := s.nowMS()
	if session.LoginTimeMS == 0 {
		session.LoginTimeMS = now
	}
	if session.LastActivityMS == 0 {
		session.LastActivityMS = now
	}

	record, err := codec.Marshal(session)
	if err != nil {
		return fmt.Errorf("tabstore: encoding session record: %w", err)
	}

	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO sessions (tab_id, record, last_activity_ms)
			 VALUES (?, ?, ?)
			 ON CONFLICT (tab_id) DO UPDATE SET
			   record = excluded.record,
			   last_activity_ms = excluded.last_activity_ms`,
			&sqlitex.ExecOptions{
				Args: []any{session.TabID.String(), record, session.LastActivityMS},
			})
		if err != nil {
			return fmt.Errorf("tabstore: writing session for %s: %w", session.TabID, err)
		}
		return nil
	})
}

// TouchSession bumps the tab's activity timestamp so other tabs'
// pruning passes keep the entry alive. Missing rows are a no-op: the
// session may have been pruned by another tab between heartbeats, and
// the next PutSession recreates it.
func (s *Store) TouchSession(ctx context.Context, tabID ref.TabID) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE sessions SET last_activity_ms = ? WHERE tab_id = ?`,
			&sqlitex.ExecOptions{Args: []any{s.nowMS(), tabID.String()}})
		if err != nil {
			return fmt.Errorf("tabstore: touching session for %s: %w", tabID, err)
		}
		return nil
	})
}

// DeleteSession removes the tab's session record. Deleting an absent
// row is a no-op.
func (s *Store) DeleteSession(ctx context.Context, tabID ref.TabID) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM sessions WHERE tab_id = ?`,
			&sqlitex.ExecOptions{Args: []any{tabID.String()}})
		if err != nil {
			return fmt.Errorf("tabstore: deleting session for %s: %w", tabID, err)
		}
		return nil
	})
}

// Sessions returns every live session record in the table. Records
// that fail to decode (written by an incompatible build) are logged
// and skipped, never fatal.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT tab_id, record FROM sessions ORDER BY tab_id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var session Session
					if err := codec.Unmarshal(columnBlob(stmt, 1), &session); err != nil {
						s.logger.Warn("skipping undecodable session record",
							"tab_id", stmt.ColumnText(0),
							"error", err,
						)
						return nil
					}
					sessions = append(sessions, session)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("tabstore: listing sessions: %w", err)
	}
	return sessions, nil
}

// PruneSessions deletes session records whose last activity is older
// than ttl. Any tab may prune; rows are only ever deleted here when
// their owner stopped heartbeating. Returns the number of rows
// removed.
func (s *Store) PruneSessions(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.nowMS() - ttl.Milliseconds()
	var pruned int
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM sessions WHERE last_activity_ms < ?`,
			&sqlitex.ExecOptions{Args: []any{cutoff}})
		if err != nil {
			return err
		}
		pruned = conn.Changes()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("tabstore: pruning sessions: %w", err)
	}
	if pruned > 0 {
		s.logger.Debug("pruned stale tab sessions", "count", pruned)
	}
	return pruned, nil
}
