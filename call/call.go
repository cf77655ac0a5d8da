// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package call orchestrates one call session per tab: initiation,
// incoming offers, accept/reject with an auto-reject countdown, signal
// relay, and teardown. The media connection itself lives behind the
// MediaPeer interface; production uses the pion implementation in this
// package, tests inject a fake.
//
// Every exit path stops local media by closing the peer, and a failed
// backend notification never rolls back a local transition to Idle.
package call

import (
	"context"
	"errors"

	"github.com/parley-chat/parley/lib/ref"
	"github.com/parley-chat/parley/wire"
)

// Phase is the session lifecycle position.
type Phase int

const (
	// PhaseIdle means no session exists.
	PhaseIdle Phase = iota

	// PhaseDialing is the initiator side awaiting the peer's answer.
	PhaseDialing

	// PhaseRinging is the receiver side awaiting a local accept,
	// reject, or the auto-reject timeout.
	PhaseRinging

	// PhaseConnecting means both sides exchanged signals and media
	// negotiation is in flight.
	PhaseConnecting

	// PhaseActive means live media flows.
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDialing:
		return "dialing"
	case PhaseRinging:
		return "ringing"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// Outcome records how the last session ended. It survives the return
// to Idle so the UI can report it.
type Outcome int

const (
	// OutcomeNone means no session has ended yet.
	OutcomeNone Outcome = iota

	// OutcomeRejected: the receiver declined.
	OutcomeRejected

	// OutcomeTimedOut: the auto-reject countdown fired.
	OutcomeTimedOut

	// OutcomeFailed: a peer error or backend failure tore the session
	// down.
	OutcomeFailed

	// OutcomeHungUp: this side ended the call.
	OutcomeHungUp

	// OutcomeEnded: the other side ended the call.
	OutcomeEnded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimedOut:
		return "timed out"
	case OutcomeFailed:
		return "failed"
	case OutcomeHungUp:
		return "hung up"
	case OutcomeEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Snapshot is one observable view of the session.
type Snapshot struct {
	Phase Phase

	// Peer is the other participant, zero when Idle.
	Peer ref.UserID

	// Kind is the requested media kind of the session.
	Kind wire.CallKind

	// CallerName and CallerAvatar annotate an incoming offer.
	CallerName   string
	CallerAvatar string

	// LastOutcome is how the previous session ended.
	LastOutcome Outcome

	// Err is the failure behind OutcomeFailed, nil otherwise.
	Err error
}

var (
	// ErrPeerUnavailable reports a call attempt to an offline peer. No
	// state changes and nothing reaches the backend.
	ErrPeerUnavailable = errors.New("call: peer unavailable")

	// ErrNotConnected reports a call attempt without a live backend
	// connection.
	ErrNotConnected = errors.New("call: not connected")

	// ErrInvalidState reports an operation that is not legal in the
	// current phase.
	ErrInvalidState = errors.New("call: operation not valid in current phase")
)

// Transport is the slice of the connection manager the machine needs.
type Transport interface {
	Emit(event string, payload any) error
	IsConnected() bool
}

// PresenceChecker answers whether a peer is online before dialing.
type PresenceChecker interface {
	IsOnline(id ref.UserID) bool
}

// Role distinguishes the two ends of media negotiation.
type Role int

const (
	// RoleInitiator creates the offer.
	RoleInitiator Role = iota

	// RoleReceiver is seeded with the caller's offer and produces the
	// answer.
	RoleReceiver
)

// MediaPeer is one media connection attempt. Close stops all local
// media and releases the connection; it must be safe to call from any
// phase and more than once.
type MediaPeer interface {
	// Signal feeds a remote signaling payload (answer or candidate).
	Signal(payload wire.SignalPayload) error
	Close() error
}

// MediaConfig parameterizes one peer construction. Callbacks fire from
// the peer's own goroutines.
type MediaConfig struct {
	Kind wire.CallKind
	Role Role

	// RemoteSignal seeds the receiver role with the caller's offer.
	RemoteSignal wire.SignalPayload

	// OnSignal delivers locally produced signaling payloads for relay.
	OnSignal func(payload wire.SignalPayload)

	// OnStream fires once when live remote media arrives.
	OnStream func()

	// OnError reports a fatal peer failure.
	OnError func(err error)
}

// MediaFactory builds a MediaPeer. The production factory is
// NewWebRTCFactory; tests inject their own.
type MediaFactory func(ctx context.Context, cfg MediaConfig) (MediaPeer, error)
