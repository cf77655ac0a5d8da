// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package connection owns the single live duplex connection between a
// tab and the chat backend: dialing, the per-event handler registry,
// bounded reconnection, and the session bookkeeping tied to connection
// identity.
//
// Failures surface as observable state, not exceptions: subscribers
// watch Status snapshots through the state callback, and Emit on a
// dead connection reports ErrNotConnected instead of panicking or
// queueing.
package connection

import (
	"context"
	"errors"

	"github.com/parley-chat/parley/lib/ref"
	"github.com/parley-chat/parley/wire"
)

// State is the connection lifecycle phase.
type State int

const (
	// StateDisconnected is the initial state and the result of a
	// deliberate Disconnect.
	StateDisconnected State = iota

	// StateConnecting covers the initial dial and every reconnect
	// attempt.
	StateConnecting

	// StateConnected means frames flow in both directions.
	StateConnected

	// StateFailed is reached when the attempt cap is exhausted.
	// Terminal until the next explicit Connect.
	StateFailed

	// StateInvalidated is the forced disconnect: this identity
	// connected elsewhere. Terminal; never reconnected automatically.
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Status is one observable snapshot of the connection.
type Status struct {
	State State

	// UserID is the identity the connection is bound to. Zero when
	// disconnected.
	UserID ref.UserID

	// Attempt is the dial attempt that produced this snapshot; zero
	// outside the reconnect loop.
	Attempt int

	// Err is the failure behind a Connecting/Failed snapshot, nil
	// otherwise. Repeated identical dial errors are coalesced: the
	// callback sees an error once until its text changes or the
	// attempt cap is reached.
	Err error
}

// Handler receives decoded frames for one event, invoked from the read
// pump in backend-emission order.
type Handler func(wire.Envelope)

// Conn is one live duplex connection. ReadFrame blocks; Close unblocks
// it.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Dialer establishes connections. Production uses WebSocketDialer;
// tests inject an in-process pipe.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, userID ref.UserID) (Conn, error)
}

// ErrNotConnected reports an Emit attempted without a live connection.
// Callers treat it as a reported no-op, never a reason to crash.
var ErrNotConnected = errors.New("connection: not connected")

// ErrSessionInvalidated is the Err carried by the StateInvalidated
// snapshot.
var ErrSessionInvalidated = errors.New("connection: session invalidated: signed in elsewhere")
