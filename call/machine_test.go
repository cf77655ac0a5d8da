// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parley-chat/parley/lib/clock"
	"github.com/parley-chat/parley/lib/ref"
	"github.com/parley-chat/parley/wire"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type emitted struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	emitErr   error
	events    []emitted
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.events = append(f.events, emitted{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) sent() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.events...)
}

func (f *fakeTransport) count(event string) int {
	n := 0
	for _, e := range f.sent() {
		if e.event == event {
			n++
		}
	}
	return n
}

type fakePresence struct {
	mu     sync.Mutex
	online map[ref.UserID]bool
}

func (f *fakePresence) IsOnline(id ref.UserID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[id]
}

type fakePeer struct {
	mu      sync.Mutex
	signals []wire.SignalPayload
	closed  bool
}

func (f *fakePeer) Signal(payload wire.SignalPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, payload)
	return nil
}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePeer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePeer) signalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

type fakeMedia struct {
	mu      sync.Mutex
	peers   []*fakePeer
	configs []MediaConfig
	nextErr error
}

func (f *fakeMedia) factory(ctx context.Context, cfg MediaConfig) (MediaPeer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		err := f.nextErr
		f.nextErr = nil
		return nil, err
	}
	peer := &fakePeer{}
	f.peers = append(f.peers, peer)
	f.configs = append(f.configs, cfg)
	return peer, nil
}

func (f *fakeMedia) peer(t *testing.T, i int) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.peers) {
		t.Fatalf("no media peer %d yet (have %d)", i, len(f.peers))
	}
	return f.peers[i]
}

func (f *fakeMedia) config(t *testing.T, i int) MediaConfig {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.configs) {
		t.Fatalf("no media config %d yet (have %d)", i, len(f.configs))
	}
	return f.configs[i]
}

type fixture struct {
	machine   *Machine
	transport *fakeTransport
	presence  *fakePresence
	media     *fakeMedia
	clock     *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		transport: &fakeTransport{connected: true},
		presence:  &fakePresence{online: make(map[ref.UserID]bool)},
		media:     &fakeMedia{},
		clock:     clock.Fake(epoch),
	}
	machine, err := New(Config{
		Transport: f.transport,
		Presence:  f.presence,
		Media:     f.media.factory,
		Clock:     f.clock,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.machine = machine
	return f
}

func mustUserID(t *testing.T, raw string) ref.UserID {
	t.Helper()
	id, err := ref.ParseUserID(raw)
	if err != nil {
		t.Fatalf("ParseUserID(%q) failed: %v", raw, err)
	}
	return id
}

func offerFrom(t *testing.T, caller string) wire.IncomingCall {
	t.Helper()
	return wire.IncomingCall{
		From:   mustUserID(t, caller),
		Kind:   wire.CallKindVideo,
		Signal: wire.SignalPayload(`{"type":"offer","sdp":"v=0"}`),
	}
}

func TestStartCallGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := mustUserID(t, "bob")

	// Offline peer: PeerUnavailable, nothing emitted, still Idle.
	if err := f.machine.StartCall(ctx, wire.CallKindVideo, bob); !errors.Is(err, ErrPeerUnavailable) {
		t.Errorf("expected ErrPeerUnavailable, got %v", err)
	}
	if len(f.transport.sent()) != 0 {
		t.Errorf("failed start emitted events: %+v", f.transport.sent())
	}
	if got := f.machine.Snapshot().Phase; got != PhaseIdle {
		t.Errorf("failed start changed phase to %v", got)
	}

	// Dead transport: NotConnected.
	f.presence.online[bob] = true
	f.transport.mu.Lock()
	f.transport.connected = false
	f.transport.mu.Unlock()
	if err := f.machine.StartCall(ctx, wire.CallKindVideo, bob); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestStartCallRelaysOfferThenSignals(t *testing.T) {
	f := newFixture(t)
	bob := mustUserID(t, "bob")
	f.presence.online[bob] = true

	if err := f.machine.StartCall(context.Background(), wire.CallKindVideo, bob); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	if got := f.machine.Snapshot().Phase; got != PhaseDialing {
		t.Fatalf("expected Dialing, got %v", got)
	}

	cfg := f.media.config(t, 0)
	if cfg.Role != RoleInitiator || cfg.Kind != wire.CallKindVideo {
		t.Errorf("unexpected media config: %+v", cfg)
	}

	// First local signal opens the call on the backend.
	cfg.OnSignal(wire.SignalPayload(`{"type":"offer","sdp":"v=0"}`))
	cfg.OnSignal(wire.SignalPayload(`{"candidate":"host"}`))

	events := f.transport.sent()
	if len(events) != 2 || events[0].event != wire.EventCallUser || events[1].event != wire.EventSendSignal {
		t.Fatalf("unexpected relay events: %+v", events)
	}
	request, ok := events[0].payload.(wire.CallRequest)
	if !ok || request.To != bob || request.Kind != wire.CallKindVideo {
		t.Errorf("unexpected call request: %+v", events[0].payload)
	}
}

func TestSecondIncomingOfferDeclinedBusy(t *testing.T) {
	f := newFixture(t)
	f.machine.HandleIncomingCall(offerFrom(t, "bob"))
	if got := f.machine.Snapshot().Phase; got != PhaseRinging {
		t.Fatalf("expected Ringing, got %v", got)
	}

	f.machine.HandleIncomingCall(offerFrom(t, "carol"))

	// The busy decline goes to the second caller; the first session is
	// untouched.
	events := f.transport.sent()
	if len(events) != 1 || events[0].event != wire.EventEndCall {
		t.Fatalf("expected one busy decline, got %+v", events)
	}
	end := events[0].payload.(wire.CallEnd)
	if end.To != mustUserID(t, "carol") || end.Reason != wire.ReasonBusy {
		t.Errorf("unexpected busy decline: %+v", end)
	}
	snapshot := f.machine.Snapshot()
	if snapshot.Phase != PhaseRinging || snapshot.Peer != mustUserID(t, "bob") {
		t.Errorf("existing session disturbed: %+v", snapshot)
	}
}

func TestRingTimeoutAutoRejectsOnce(t *testing.T) {
	f := newFixture(t)
	f.machine.HandleIncomingCall(offerFrom(t, "bob"))

	f.clock.Advance(defaultRingTimeout)

	snapshot := f.machine.Snapshot()
	if snapshot.Phase != PhaseIdle || snapshot.LastOutcome != OutcomeTimedOut {
		t.Fatalf("expected Idle/TimedOut, got %+v", snapshot)
	}
	if got := f.transport.count(wire.EventEndCall); got != 1 {
		t.Errorf("expected exactly one reject notification, got %d", got)
	}

	// A late Reject after the timeout is a no-op.
	f.machine.Reject()
	if got := f.transport.count(wire.EventEndCall); got != 1 {
		t.Errorf("late reject produced another notification: %d", got)
	}
}

func TestAcceptWinsOverLaterReject(t *testing.T) {
	f := newFixture(t)
	f.machine.HandleIncomingCall(offerFrom(t, "bob"))

	if err := f.machine.Accept(context.Background()); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if got := f.machine.Snapshot().Phase; got != PhaseConnecting {
		t.Fatalf("expected Connecting, got %v", got)
	}

	cfg := f.media.config(t, 0)
	if cfg.Role != RoleReceiver || string(cfg.RemoteSignal) != `{"type":"offer","sdp":"v=0"}` {
		t.Errorf("receiver peer not seeded with caller signal: %+v", cfg)
	}

	// The reject lost the race: no transition, no notification.
	f.machine.Reject()
	if got := f.machine.Snapshot().Phase; got != PhaseConnecting {
		t.Errorf("losing reject changed phase to %v", got)
	}
	if got := f.transport.count(wire.EventEndCall); got != 0 {
		t.Errorf("losing reject notified the backend %d times", got)
	}

	// The timer firing later is equally a no-op.
	f.clock.Advance(defaultRingTimeout)
	if got := f.machine.Snapshot().Phase; got != PhaseConnecting {
		t.Errorf("stale ring timer changed phase to %v", got)
	}

	// The receiver's answer relays as answerCall.
	cfg.OnSignal(wire.SignalPayload(`{"type":"answer","sdp":"v=0"}`))
	events := f.transport.sent()
	if len(events) != 1 || events[0].event != wire.EventAnswerCall {
		t.Errorf("expected answerCall relay, got %+v", events)
	}
}

func TestRejectNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	f.machine.HandleIncomingCall(offerFrom(t, "bob"))

	f.machine.Reject()
	snapshot := f.machine.Snapshot()
	if snapshot.Phase != PhaseIdle || snapshot.LastOutcome != OutcomeRejected {
		t.Fatalf("expected Idle/Rejected, got %+v", snapshot)
	}
	f.machine.Reject()
	if got := f.transport.count(wire.EventEndCall); got != 1 {
		t.Errorf("expected exactly one reject notification, got %d", got)
	}
}

func TestAcceptOutsideRinging(t *testing.T) {
	f := newFixture(t)
	if err := f.machine.Accept(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestAnswerAndRelaySignalsFeedPeer(t *testing.T) {
	f := newFixture(t)
	bob := mustUserID(t, "bob")
	f.presence.online[bob] = true

	if err := f.machine.StartCall(context.Background(), wire.CallKindAudio, bob); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	f.machine.HandleAccepted(wire.Signal{Signal: wire.SignalPayload(`{"type":"answer","sdp":"v=0"}`)})
	if got := f.machine.Snapshot().Phase; got != PhaseConnecting {
		t.Fatalf("expected Connecting after acceptance, got %v", got)
	}

	f.machine.HandleSignal(wire.Signal{Signal: wire.SignalPayload(`{"candidate":"relay"}`)})
	if got := f.media.peer(t, 0).signalCount(); got != 2 {
		t.Errorf("peer should have received answer + relay, got %d signals", got)
	}

	// Live media activates the session.
	f.media.config(t, 0).OnStream()
	if got := f.machine.Snapshot().Phase; got != PhaseActive {
		t.Errorf("expected Active, got %v", got)
	}
}

func TestEndStopsMediaEveryPath(t *testing.T) {
	f := newFixture(t)
	bob := mustUserID(t, "bob")
	f.presence.online[bob] = true

	if err := f.machine.StartCall(context.Background(), wire.CallKindAudio, bob); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	f.machine.End()

	snapshot := f.machine.Snapshot()
	if snapshot.Phase != PhaseIdle || snapshot.LastOutcome != OutcomeHungUp {
		t.Fatalf("expected Idle/HungUp, got %+v", snapshot)
	}
	if !f.media.peer(t, 0).isClosed() {
		t.Error("hangup left the media peer open")
	}
	if got := f.transport.count(wire.EventEndCall); got != 1 {
		t.Errorf("expected one hangup notification, got %d", got)
	}

	// Second End from Idle: no-op.
	f.machine.End()
	if got := f.transport.count(wire.EventEndCall); got != 1 {
		t.Errorf("idle hangup notified the backend: %d", got)
	}
}

func TestRemoteEndedForcesTeardown(t *testing.T) {
	f := newFixture(t)
	bob := mustUserID(t, "bob")
	f.presence.online[bob] = true

	if err := f.machine.StartCall(context.Background(), wire.CallKindAudio, bob); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	f.machine.HandleEnded(wire.CallEnd{From: bob})

	snapshot := f.machine.Snapshot()
	if snapshot.Phase != PhaseIdle || snapshot.LastOutcome != OutcomeEnded {
		t.Fatalf("expected Idle/Ended, got %+v", snapshot)
	}
	if !f.media.peer(t, 0).isClosed() {
		t.Error("remote end left the media peer open")
	}
	// Remote already knows: no endCall echoed back.
	if got := f.transport.count(wire.EventEndCall); got != 0 {
		t.Errorf("remote end echoed %d endCall events", got)
	}
}

func TestPeerErrorFailsSession(t *testing.T) {
	f := newFixture(t)
	bob := mustUserID(t, "bob")
	f.presence.online[bob] = true

	if err := f.machine.StartCall(context.Background(), wire.CallKindAudio, bob); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	f.media.config(t, 0).OnError(fmt.Errorf("ICE gave up"))

	snapshot := f.machine.Snapshot()
	if snapshot.Phase != PhaseIdle || snapshot.LastOutcome != OutcomeFailed {
		t.Fatalf("expected Idle/Failed, got %+v", snapshot)
	}
	if snapshot.Err == nil {
		t.Error("failed snapshot should surface the peer error")
	}
	if !f.media.peer(t, 0).isClosed() {
		t.Error("peer failure left the media peer open")
	}
}

func TestFailedNotificationNeverRollsBack(t *testing.T) {
	f := newFixture(t)
	bob := mustUserID(t, "bob")
	f.presence.online[bob] = true

	if err := f.machine.StartCall(context.Background(), wire.CallKindAudio, bob); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	f.transport.mu.Lock()
	f.transport.emitErr = fmt.Errorf("transport gone")
	f.transport.mu.Unlock()

	f.machine.End()
	if got := f.machine.Snapshot().Phase; got != PhaseIdle {
		t.Errorf("failed hangup notification rolled back the Idle transition: %v", got)
	}
	if !f.media.peer(t, 0).isClosed() {
		t.Error("media peer left open when the notification failed")
	}
}
