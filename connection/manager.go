// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-chat/parley/lib/clock"
	"github.com/parley-chat/parley/lib/ref"
	"github.com/parley-chat/parley/tabstore"
	"github.com/parley-chat/parley/wire"
)

const (
	// defaultHeartbeatInterval is how often a connected tab refreshes
	// its session record's activity stamp (and prunes stale peers).
	defaultHeartbeatInterval = time.Minute

	// defaultSessionTTL is how long an unrefreshed session record
	// survives before any tab's heartbeat prunes it.
	defaultSessionTTL = time.Hour

	// storeOpTimeout bounds session bookkeeping writes so a wedged
	// store never stalls connection transitions.
	storeOpTimeout = 2 * time.Second
)

// Config holds the parameters for creating a Manager.
type Config struct {
	// Endpoint is the duplex endpoint URL (e.g. "ws://host/socket").
	Endpoint string

	// Dialer establishes connections. Nil uses WebSocketDialer.
	Dialer Dialer

	// Store receives session bookkeeping (register on connect, remove
	// on disconnect, heartbeat while connected). Nil disables it.
	Store *tabstore.Store

	// Self is this tab's identity for the session record. Required
	// when Store is set.
	Self ref.TabID

	// DisplayName and AvatarRef annotate the session record.
	DisplayName string
	AvatarRef   string

	// Retry bounds the reconnect loop. Zero value uses defaults.
	Retry RetryPolicy

	// HeartbeatInterval and SessionTTL tune session bookkeeping.
	// Zero uses defaults.
	HeartbeatInterval time.Duration
	SessionTTL        time.Duration

	// OnState receives every Status snapshot. Called from manager
	// goroutines; must not block and must not call back into the
	// Manager. Nil disables.
	OnState func(Status)

	// Clock drives backoff and the heartbeat. Nil defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger receives connection diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// Manager owns the tab's connection to the backend. Safe for
// concurrent use.
type Manager struct {
	endpoint          string
	dialer            Dialer
	store             *tabstore.Store
	self              ref.TabID
	displayName       string
	avatarRef         string
	retry             RetryPolicy
	heartbeatInterval time.Duration
	sessionTTL        time.Duration
	onState           func(Status)
	clock             clock.Clock
	logger            *slog.Logger

	mu       sync.Mutex
	state    State
	userID   ref.UserID
	conn     Conn
	attempt  int
	lastErr  error
	handlers map[string][]*registration

	// gen increments on every teardown; goroutines from older
	// connections check it before touching shared state.
	gen        int
	loopCancel context.CancelFunc
}

type registration struct {
	event   string
	handler Handler
}

// New creates a Manager. No connection is made until Connect.
func New(cfg Config) (*Manager, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("connection: Endpoint is required")
	}
	if cfg.Store != nil && cfg.Self.IsZero() {
		return nil, fmt.Errorf("connection: Self tab ID is required with a Store")
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &WebSocketDialer{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}

	return &Manager{
		endpoint:          cfg.Endpoint,
		dialer:            dialer,
		store:             cfg.Store,
		self:              cfg.Self,
		displayName:       cfg.DisplayName,
		avatarRef:         cfg.AvatarRef,
		retry:             cfg.Retry.withDefaults(),
		heartbeatInterval: heartbeat,
		sessionTTL:        sessionTTL,
		onState:           cfg.OnState,
		clock:             clk,
		logger:            logger,
		handlers:          make(map[string][]*registration),
	}, nil
}

// Connect binds the connection to userID and starts the dial loop in
// the background. Idempotent while already connecting or connected as
// the same user; a different user tears the existing connection down
// first. The context only seeds the loop's values — cancellation of it
// does not stop the connection (use Disconnect).
func (m *Manager) Connect(ctx context.Context, userID ref.UserID) error {
	if userID.IsZero() {
		return fmt.Errorf("connection: user ID is required")
	}

	m.mu.Lock()
	if m.userID == userID && (m.state == StateConnecting || m.state == StateConnected) {
		m.mu.Unlock()
		return nil
	}
	if !m.userID.IsZero() && m.userID != userID {
		m.teardownLocked()
	}

	m.gen++
	gen := m.gen
	m.userID = userID
	m.state = StateConnecting
	m.attempt = 0
	m.lastErr = nil
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.loopCancel = cancel
	status := m.statusLocked()
	m.mu.Unlock()

	m.notify(status)
	go m.run(loopCtx, gen, userID)
	return nil
}

// Disconnect deliberately releases the connection, removes the session
// record, and clears the bound identity. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected && m.userID.IsZero() {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.userID = ref.UserID{}
	m.state = StateDisconnected
	m.attempt = 0
	m.lastErr = nil
	status := m.statusLocked()
	m.mu.Unlock()

	m.deleteSession()
	m.notify(status)
}

// Close releases the connection. Alias for Disconnect so the Manager
// satisfies the usual closer shape.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

// IsConnected reports whether frames currently flow.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// On registers a handler for an event. Handlers persist across
// reconnects. The returned function unregisters; calling it more than
// once is a no-op.
func (m *Manager) On(event string, handler Handler) func() {
	reg := &registration{event: event, handler: handler}
	m.mu.Lock()
	m.handlers[event] = append(m.handlers[event], reg)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			regs := m.handlers[event]
			for i, candidate := range regs {
				if candidate == reg {
					m.handlers[event] = append(regs[:i], regs[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit sends an event while connected. Without a live connection it
// reports ErrNotConnected and sends nothing.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	frame, err := wire.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("connection: emit %q: %w", event, err)
	}
	return nil
}

// run dials with bounded backoff and pumps frames until teardown or a
// terminal failure.
func (m *Manager) run(ctx context.Context, gen int, userID ref.UserID) {
	attempt := 0
	lastNotified := ""
	for {
		attempt++
		conn, err := m.dialer.Dial(ctx, m.endpoint, userID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Every failure is logged; the state callback only hears
			// about it when the error text changes or the cap is hit.
			m.logger.Warn("dial failed",
				"endpoint", m.endpoint, "attempt", attempt, "error", err)

			if attempt >= m.retry.MaxAttempts {
				m.setState(gen, StateFailed, attempt, err)
				return
			}
			if err.Error() != lastNotified {
				lastNotified = err.Error()
				m.setState(gen, StateConnecting, attempt, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(m.retry.delay(attempt)):
			}
			continue
		}

		if !m.attach(gen, conn) {
			conn.Close()
			return
		}
		attempt = 0
		lastNotified = ""
		m.putSession(userID)

		connCtx, connCancel := context.WithCancel(ctx)
		go m.heartbeat(connCtx)
		terminal := m.pump(gen, conn)
		connCancel()
		if terminal || ctx.Err() != nil {
			return
		}
		// Connection dropped; fall through to redial.
		m.setState(gen, StateConnecting, 0, nil)
	}
}

// attach installs the live connection. Returns false when the
// connection generation was torn down while dialing.
func (m *Manager) attach(gen int, conn Conn) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.state = StateConnected
	m.attempt = 0
	m.lastErr = nil
	status := m.statusLocked()
	m.mu.Unlock()
	m.notify(status)
	return true
}

// pump reads frames until the connection dies. Returns true when the
// exit is terminal (invalidation or deliberate teardown) and false
// when the reconnect loop should redial.
func (m *Manager) pump(gen int, conn Conn) bool {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			m.mu.Lock()
			stale := m.gen != gen
			if !stale {
				m.conn = nil
			}
			m.mu.Unlock()
			if stale {
				return true
			}
			m.logger.Warn("connection lost", "error", err)
			return false
		}

		envelope, err := wire.DecodeEnvelope(frame)
		if err != nil {
			// Protocol violation: logged and dropped. A bad frame
			// never takes the handler chain down.
			m.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		if envelope.Event == wire.EventSessionInvalidated {
			m.invalidate(gen, envelope, conn)
			return true
		}
		m.dispatch(envelope)
	}
}

// invalidate handles the forced disconnect: terminal, no reconnect,
// session record removed, handlers told last.
func (m *Manager) invalidate(gen int, envelope wire.Envelope, conn Conn) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.conn = nil
	m.state = StateInvalidated
	m.lastErr = ErrSessionInvalidated
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	status := m.statusLocked()
	m.mu.Unlock()

	conn.Close()
	m.deleteSession()
	m.logger.Warn("session invalidated, not reconnecting")
	m.notify(status)
	m.dispatch(envelope)
}

// dispatch fans a decoded frame out to its registered handlers, in
// registration order, synchronously from the read pump so subscribers
// observe backend-emission order.
func (m *Manager) dispatch(envelope wire.Envelope) {
	m.mu.Lock()
	regs := append([]*registration(nil), m.handlers[envelope.Event]...)
	m.mu.Unlock()
	for _, reg := range regs {
		reg.handler(envelope)
	}
}

// heartbeat refreshes this tab's session record while connected and
// prunes records other tabs stopped refreshing.
func (m *Manager) heartbeat(ctx context.Context) {
	if m.store == nil {
		return
	}
	ticker := m.clock.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			if err := m.store.TouchSession(opCtx, m.self); err != nil {
				m.logger.Warn("session heartbeat failed", "error", err)
			}
			if _, err := m.store.PruneSessions(opCtx, m.sessionTTL); err != nil {
				m.logger.Warn("session prune failed", "error", err)
			}
			cancel()
		}
	}
}

// teardownLocked invalidates the current generation and closes the
// live connection. Caller holds mu.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) setState(gen int, state State, attempt int, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.attempt = attempt
	m.lastErr = err
	status := m.statusLocked()
	m.mu.Unlock()
	m.notify(status)
}

func (m *Manager) statusLocked() Status {
	return Status{State: m.state, UserID: m.userID, Attempt: m.attempt, Err: m.lastErr}
}

func (m *Manager) notify(status Status) {
	if m.onState != nil {
		m.onState(status)
	}
}

func (m *Manager) putSession(userID ref.UserID) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	err := m.store.PutSession(ctx, tabstore.Session{
		TabID:       m.self,
		UserID:      userID,
		DisplayName: m.displayName,
		AvatarRef:   m.avatarRef,
	})
	if err != nil {
		m.logger.Warn("session registration failed", "error", err)
	}
}

func (m *Manager) deleteSession() {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := m.store.DeleteSession(ctx, m.self); err != nil {
		m.logger.Warn("session removal failed", "error", err)
	}
}
