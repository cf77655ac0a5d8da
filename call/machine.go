// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-chat/parley/lib/clock"
	"github.com/parley-chat/parley/lib/ref"
	"github.com/parley-chat/parley/wire"
)

// defaultRingTimeout is the auto-reject countdown for incoming offers.
const defaultRingTimeout = 30 * time.Second

// Config holds the parameters for creating a Machine.
type Config struct {
	// Transport emits call events to the backend. Required.
	Transport Transport

	// Presence gates outgoing calls on peer availability. Required.
	Presence PresenceChecker

	// Media builds peer connections. Required.
	Media MediaFactory

	// RingTimeout overrides the auto-reject countdown. Zero uses the
	// default.
	RingTimeout time.Duration

	// OnChange receives every Snapshot transition. Called from machine
	// goroutines; must not block. Nil disables.
	OnChange func(Snapshot)

	// Clock drives the ring countdown. Nil defaults to clock.Real().
	Clock clock.Clock

	// Logger receives diagnostics. Nil discards.
	Logger *slog.Logger
}

// Machine is the per-tab call session state machine. At most one
// session exists at a time; a second incoming offer is auto-declined
// busy. Safe for concurrent use.
type Machine struct {
	transport   Transport
	presence    PresenceChecker
	media       MediaFactory
	ringTimeout time.Duration
	onChange    func(Snapshot)
	clock       clock.Clock
	logger      *slog.Logger

	mu           sync.Mutex
	phase        Phase
	peerID       ref.UserID
	kind         wire.CallKind
	callerName   string
	callerAvatar string
	pendingOffer wire.SignalPayload
	peer         MediaPeer
	ringTimer    *clock.Timer

	// resolved guards the accept/reject/timeout race of an incoming
	// offer: the first resolution wins, later ones are no-ops.
	resolved bool

	// sentFirstSignal distinguishes the session-opening relay event
	// (callUser / answerCall) from mid-negotiation sendSignal relays.
	sentFirstSignal bool

	outcome Outcome
	lastErr error

	// gen invalidates async callbacks (media, ring timer) from
	// sessions that already ended.
	gen int
}

// New creates the machine in PhaseIdle.
func New(cfg Config) (*Machine, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("call: Transport is required")
	}
	if cfg.Presence == nil {
		return nil, fmt.Errorf("call: Presence is required")
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("call: Media factory is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ringTimeout := cfg.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = defaultRingTimeout
	}

	return &Machine{
		transport:   cfg.Transport,
		presence:    cfg.Presence,
		media:       cfg.Media,
		ringTimeout: ringTimeout,
		onChange:    cfg.OnChange,
		clock:       clk,
		logger:      logger,
	}, nil
}

// Snapshot returns the current observable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// StartCall dials a peer. Legal only from PhaseIdle; an offline peer
// fails with ErrPeerUnavailable and a dead transport with
// ErrNotConnected, in both cases with no state change and no backend
// event.
func (m *Machine) StartCall(ctx context.Context, kind wire.CallKind, peerID ref.UserID) error {
	if !kind.Valid() {
		return fmt.Errorf("call: invalid call kind %q", kind)
	}
	if peerID.IsZero() {
		return fmt.Errorf("call: peer ID is required")
	}

	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return fmt.Errorf("%w: already %s", ErrInvalidState, m.phase)
	}
	if !m.transport.IsConnected() {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if !m.presence.IsOnline(peerID) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is offline", ErrPeerUnavailable, peerID)
	}

	m.gen++
	gen := m.gen
	peer, err := m.media(ctx, MediaConfig{
		Kind:     kind,
		Role:     RoleInitiator,
		OnSignal: func(payload wire.SignalPayload) { m.relayLocalSignal(gen, payload) },
		OnStream: func() { m.streamLive(gen) },
		OnError:  func(err error) { m.peerFailed(gen, err) },
	})
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("call: creating media peer: %w", err)
	}

	m.phase = PhaseDialing
	m.peerID = peerID
	m.kind = kind
	m.peer = peer
	m.sentFirstSignal = false
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snapshot)
	return nil
}

// HandleIncomingCall processes an incoming offer. While any session is
// live the offer is declined busy without disturbing it; otherwise the
// session moves to PhaseRinging and the auto-reject countdown starts.
// Wire this to the connection's incomingCall event.
func (m *Machine) HandleIncomingCall(offer wire.IncomingCall) {
	if offer.From.IsZero() {
		m.logger.Warn("dropping incoming call without caller identity")
		return
	}

	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		// At-most-one-per-tab is enforced here.
		m.emit(wire.EventEndCall, wire.CallEnd{To: offer.From, Reason: wire.ReasonBusy})
		return
	}

	m.gen++
	gen := m.gen
	m.phase = PhaseRinging
	m.peerID = offer.From
	m.kind = offer.Kind
	m.callerName = offer.CallerName
	m.callerAvatar = offer.CallerAvatar
	m.resolved = false
	m.sentFirstSignal = false
	m.pendingOffer = offer.Signal
	m.ringTimer = m.clock.AfterFunc(m.ringTimeout, func() { m.ringExpired(gen) })
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snapshot)
}

// Accept answers the ringing offer: a receiver-role peer is seeded
// with the caller's signal and the session moves to PhaseConnecting.
// Legal only from PhaseRinging; if the offer was already resolved the
// call is a no-op.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseRinging {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s, not ringing", ErrInvalidState, m.phase)
	}
	if m.resolved {
		m.mu.Unlock()
		return nil
	}
	m.resolved = true
	m.stopRingTimerLocked()

	gen := m.gen
	peer, err := m.media(ctx, MediaConfig{
		Kind:         m.kind,
		Role:         RoleReceiver,
		RemoteSignal: m.pendingOffer,
		OnSignal:     func(payload wire.SignalPayload) { m.relayLocalSignal(gen, payload) },
		OnStream:     func() { m.streamLive(gen) },
		OnError:      func(err error) { m.peerFailed(gen, err) },
	})
	if err != nil {
		// Failing to build the peer ends the session; the caller's
		// side learns through the endCall notification.
		m.teardownLocked(OutcomeFailed, fmt.Errorf("call: creating media peer: %w", err), true)
		snapshot := m.snapshotLocked()
		m.mu.Unlock()
		m.notify(snapshot)
		return fmt.Errorf("call: creating media peer: %w", err)
	}

	m.peer = peer
	m.phase = PhaseConnecting
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snapshot)
	return nil
}

// Reject declines the ringing offer and returns to Idle. A second
// resolution (after an accept, an earlier reject, or the timeout) is a
// no-op.
func (m *Machine) Reject() {
	m.resolveRinging(OutcomeRejected)
}

// ringExpired is the auto-reject countdown firing.
func (m *Machine) ringExpired(gen int) {
	m.mu.Lock()
	if m.gen != gen || m.phase != PhaseRinging || m.resolved {
		m.mu.Unlock()
		return
	}
	m.resolved = true
	m.teardownLocked(OutcomeTimedOut, nil, true)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snapshot)
}

func (m *Machine) resolveRinging(outcome Outcome) {
	m.mu.Lock()
	if m.phase != PhaseRinging || m.resolved {
		m.mu.Unlock()
		return
	}
	m.resolved = true
	m.teardownLocked(outcome, nil, true)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snapshot)
}

// End hangs up from any non-Idle phase: media stops, the backend is
// notified fire-and-forget, and the session returns to Idle. From Idle
// it is a no-op.
func (m *Machine) End() {
	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(OutcomeHungUp, nil, true)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snapshot)
}

// HandleSignal feeds a relayed remote signal to the live peer. Wire
// this to the connection's receiveSignal event. Signals without a
// session are logged and dropped.
func (m *Machine) HandleSignal(signal wire.Signal) {
	m.mu.Lock()
	peer := m.peer
	phase := m.phase
	m.mu.Unlock()

	if peer == nil || (phase != PhaseDialing && phase != PhaseConnecting && phase != PhaseActive) {
		m.logger.Warn("dropping relay signal without a session", "phase", phase.String())
		return
	}
	if err := peer.Signal(signal.Signal); err != nil {
		m.logger.Warn("peer rejected relay signal", "error", err)
	}
}

// HandleAccepted processes the receiver's answer on the initiator
// side: the answer feeds the peer and the session moves to
// PhaseConnecting. Wire this to the connection's callAccepted event.
func (m *Machine) HandleAccepted(answer wire.Signal) {
	m.mu.Lock()
	if m.phase != PhaseDialing || m.peer == nil {
		m.mu.Unlock()
		m.logger.Warn("dropping call acceptance without a dialing session")
		return
	}
	peer := m.peer
	m.phase = PhaseConnecting
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snapshot)
	if err := peer.Signal(answer.Signal); err != nil {
		m.logger.Warn("peer rejected answer signal", "error", err)
	}
}

// HandleEnded processes the remote side (or backend) terminating the
// call: same teardown as End but without notifying the backend back.
// Wire this to the connection's callEnded event.
func (m *Machine) HandleEnded(end wire.CallEnd) {
	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(OutcomeEnded, nil, false)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snapshot)
}

// HandleFailed processes a backend-reported call failure. Wire this to
// the connection's callFailed event.
func (m *Machine) HandleFailed(failure wire.CallEnd) {
	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	var err error
	if failure.Reason != "" {
		err = fmt.Errorf("call: backend reported failure: %s", failure.Reason)
	}
	m.teardownLocked(OutcomeFailed, err, false)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snapshot)
}

// relayLocalSignal forwards a locally produced signaling payload. The
// first payload of a session opens it on the backend (callUser for the
// initiator, answerCall for the receiver); the rest relay as
// sendSignal.
func (m *Machine) relayLocalSignal(gen int, payload wire.SignalPayload) {
	m.mu.Lock()
	if m.gen != gen || m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	peerID := m.peerID
	first := !m.sentFirstSignal
	m.sentFirstSignal = true
	dialing := m.phase == PhaseDialing
	kind := m.kind
	m.mu.Unlock()

	switch {
	case first && dialing:
		m.emit(wire.EventCallUser, wire.CallRequest{To: peerID, Kind: kind, Signal: payload})
	case first:
		m.emit(wire.EventAnswerCall, wire.SignalTo{To: peerID, Signal: payload})
	default:
		m.emit(wire.EventSendSignal, wire.SignalTo{To: peerID, Signal: payload})
	}
}

// streamLive marks the arrival of live remote media.
func (m *Machine) streamLive(gen int) {
	m.mu.Lock()
	if m.gen != gen || (m.phase != PhaseDialing && m.phase != PhaseConnecting) {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseActive
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snapshot)
}

// peerFailed tears the session down on a fatal media error.
func (m *Machine) peerFailed(gen int, err error) {
	m.mu.Lock()
	if m.gen != gen || m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(OutcomeFailed, err, true)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snapshot)
}

// teardownLocked collapses the session to Idle: media stopped, timer
// cancelled, backend optionally notified (fire-and-forget; a failed
// notification never rolls the transition back). Caller holds mu.
func (m *Machine) teardownLocked(outcome Outcome, err error, notifyBackend bool) {
	m.gen++
	m.stopRingTimerLocked()
	if m.peer != nil {
		if closeErr := m.peer.Close(); closeErr != nil {
			m.logger.Warn("media peer close failed", "error", closeErr)
		}
		m.peer = nil
	}
	if notifyBackend && !m.peerID.IsZero() {
		m.emit(wire.EventEndCall, wire.CallEnd{To: m.peerID, Reason: outcome.String()})
	}

	m.phase = PhaseIdle
	m.peerID = ref.UserID{}
	m.kind = ""
	m.callerName = ""
	m.callerAvatar = ""
	m.pendingOffer = nil
	m.resolved = false
	m.sentFirstSignal = false
	m.outcome = outcome
	m.lastErr = err
}

func (m *Machine) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// emit sends fire-and-forget; failures are observable in the log only.
func (m *Machine) emit(event string, payload any) {
	if err := m.transport.Emit(event, payload); err != nil {
		m.logger.Warn("call event not delivered", "event", event, "error", err)
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:        m.phase,
		Peer:         m.peerID,
		Kind:         m.kind,
		CallerName:   m.callerName,
		CallerAvatar: m.callerAvatar,
		LastOutcome:  m.outcome,
		Err:          m.lastErr,
	}
}

func (m *Machine) notify(snapshot Snapshot) {
	if m.onChange != nil {
		m.onChange(snapshot)
	}
}
