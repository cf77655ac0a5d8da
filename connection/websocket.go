// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley/lib/ref"
)

// WebSocketDialer dials the backend's socket endpoint, identifying the
// user with a userId query parameter the way the backend expects.
type WebSocketDialer struct {
	// Dialer overrides the underlying websocket dialer. Nil uses
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

var _ Dialer = (*WebSocketDialer)(nil)

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string, userID ref.UserID) (Conn, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("connection: invalid endpoint %q: %w", endpoint, err)
	}
	query := parsed.Query()
	query.Set("userId", userID.String())
	parsed.RawQuery = query.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, response, err := dialer.DialContext(ctx, parsed.String(), nil)
	if err != nil {
		if response != nil {
			response.Body.Close()
			return nil, fmt.Errorf("connection: dial %s: HTTP %d: %w", parsed.Host, response.StatusCode, err)
		}
		return nil, fmt.Errorf("connection: dial %s: %w", parsed.Host, err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a websocket connection to the Conn interface. The
// write mutex serializes frames; gorilla/websocket allows only one
// concurrent writer.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	_, frame, err := w.conn.ReadMessage()
	return frame, err
}

func (w *wsConn) WriteFrame(frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
