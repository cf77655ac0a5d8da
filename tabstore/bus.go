// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package tabstore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/parley-chat/parley/lib/ref"
)

// BusRecord is one cross-tab event as stored in the bus log. Payload
// bytes are opaque to the store; package tabbus owns their encoding.
type BusRecord struct {
	Seq           int64
	Topic         string
	Sender        ref.TabID
	Payload       []byte
	PublishedAtMS int64
}

// AppendBusRecord appends a sender-tagged record and returns its
// sequence number. Sequence order is the delivery order contract for
// subscribers.
func (s *Store) AppendBusRecord(ctx context.Context, topic string, sender ref.TabID, payload []byte) (int64, error) {
	if topic == "" {
		return 0, fmt.Errorf("tabstore: bus record requires a topic")
	}
	if sender.IsZero() {
		return 0, fmt.Errorf("tabstore: bus record requires a sender tab ID")
	}

	var seq int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO bus (topic, sender_tab, record, published_at_ms)
			 VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{topic, sender.String(), payload, s.nowMS()},
			})
		if err != nil {
			return err
		}
		seq = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("tabstore: appending bus record on %q: %w", topic, err)
	}
	return seq, nil
}

// BusRecordsAfter returns all records on a topic with a sequence
// number strictly greater than afterSeq, in sequence order. Sender
// filtering is the subscriber's job (tabbus), not the store's.
func (s *Store) BusRecordsAfter(ctx context.Context, topic string, afterSeq int64) ([]BusRecord, error) {
	var records []BusRecord
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT seq, topic, sender_tab, record, published_at_ms
			 FROM bus WHERE topic = ? AND seq > ? ORDER BY seq`,
			&sqlitex.ExecOptions{
				Args: []any{topic, afterSeq},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					sender, err := ref.ParseTabID(stmt.ColumnText(2))
					if err != nil {
						s.logger.Warn("skipping bus record with invalid sender",
							"seq", stmt.ColumnInt64(0),
							"error", err,
						)
						return nil
					}
					records = append(records, BusRecord{
						Seq:           stmt.ColumnInt64(0),
						Topic:         stmt.ColumnText(1),
						Sender:        sender,
						Payload:       columnBlob(stmt, 3),
						PublishedAtMS: stmt.ColumnInt64(4),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("tabstore: reading bus records on %q: %w", topic, err)
	}
	return records, nil
}

// LatestBusSeq returns the highest sequence number currently in the
// log (0 when empty). New subscribers start their watermark here so
// they never replay records published before they existed.
func (s *Store) LatestBusSeq(ctx context.Context) (int64, error) {
	var latest int64
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT COALESCE(MAX(seq), 0) FROM bus`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					latest = stmt.ColumnInt64(0)
					return nil
				},
			})
	})
	if err != nil {
		return 0, fmt.Errorf("tabstore: reading latest bus seq: %w", err)
	}
	return latest, nil
}

// RetractBusRecords deletes this tab's own records older than the
// retention window. The bus is a transient "last event" channel, not
// a log: publishers clean up after themselves shortly after
// publishing.
func (s *Store) RetractBusRecords(ctx context.Context, sender ref.TabID, retention time.Duration) error {
	cutoff := s.nowMS() - retention.Milliseconds()
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM bus WHERE sender_tab = ? AND published_at_ms < ?`,
			&sqlitex.ExecOptions{Args: []any{sender.String(), cutoff}})
		if err != nil {
			return fmt.Errorf("tabstore: retracting bus records for %s: %w", sender, err)
		}
		return nil
	})
}
