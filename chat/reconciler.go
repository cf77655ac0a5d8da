// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat reconciles the visible message list of the open
// conversation against two sources that can disagree: the synchronous
// send path (the REST collaborator returns the stored record) and the
// push path (the live connection echoes every message involving this
// user, open conversation or not). The reconciler filters pushes down
// to the open pair and deduplicates by message ID, so an optimistic
// send and its authoritative echo produce exactly one visible entry.
//
// Sends are never auto-retried. A Transient failure goes back to the
// caller, who decides whether a retry is worth the duplicate-send risk.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/parley-chat/parley/api"
	"github.com/parley-chat/parley/lib/codec"
	"github.com/parley-chat/parley/lib/ref"
	"github.com/parley-chat/parley/tabbus"
	"github.com/parley-chat/parley/wire"
)

// BusTopic is the cross-tab bus topic carrying appended messages, so
// sibling tabs with the same conversation open stay in sync.
const BusTopic = "messages"

var (
	// ErrNotAuthorized reports a send to a user who is not a friend.
	ErrNotAuthorized = errors.New("chat: not authorized to message this user")

	// ErrNotFound reports a send to a user that does not exist.
	ErrNotFound = errors.New("chat: recipient not found")

	// ErrTransient reports a retryable send failure. The caller
	// decides; this layer never retries.
	ErrTransient = errors.New("chat: transient send failure")

	// ErrNoConversation reports an operation that needs an open
	// conversation.
	ErrNoConversation = errors.New("chat: no conversation open")
)

// Config holds the parameters for creating a Reconciler.
type Config struct {
	// Self is the local user. Required.
	Self ref.UserID

	// API is the REST collaborator for history loads and sends.
	// Required.
	API *api.Client

	// Bus, when set, echoes appended messages to sibling tabs and
	// feeds their appends through this reconciler's filter chain.
	Bus *tabbus.Bus

	// OnAppend is invoked for every message appended to the visible
	// list, in append order. Nil disables.
	OnAppend func(wire.Message)

	// Logger receives diagnostics. Nil discards.
	Logger *slog.Logger
}

// Reconciler maintains the visible message list for at most one open
// conversation. Safe for concurrent use.
type Reconciler struct {
	self     ref.UserID
	api      *api.Client
	bus      *tabbus.Bus
	onAppend func(wire.Message)
	logger   *slog.Logger

	mu       sync.Mutex
	partner  ref.UserID
	key      ref.ConversationKey
	messages []wire.Message
	seen     map[ref.MessageID]struct{}

	unsubscribe func()
}

// New creates the reconciler with no conversation open.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Self.IsZero() {
		return nil, fmt.Errorf("chat: Self is required")
	}
	if cfg.API == nil {
		return nil, fmt.Errorf("chat: API client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	reconciler := &Reconciler{
		self:     cfg.Self,
		api:      cfg.API,
		bus:      cfg.Bus,
		onAppend: cfg.OnAppend,
		logger:   logger,
	}

	if cfg.Bus != nil {
		unsubscribe, err := cfg.Bus.Subscribe(context.Background(), BusTopic, reconciler.handleBusRecord)
		if err != nil {
			return nil, fmt.Errorf("chat: subscribing to message echo: %w", err)
		}
		reconciler.unsubscribe = unsubscribe
	}
	return reconciler, nil
}

// Close releases the bus subscription. The open conversation, if any,
// is dropped.
func (r *Reconciler) Close() error {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.CloseConversation()
	return nil
}

// Open selects the conversation with the partner and loads its stored
// history. Any previously open conversation is replaced; its list does
// not leak into the new one.
func (r *Reconciler) Open(ctx context.Context, partner ref.UserID) error {
	key, err := ref.NewConversationKey(r.self, partner)
	if err != nil {
		return fmt.Errorf("chat: open: %w", err)
	}

	history, err := r.api.History(ctx, partner)
	if err != nil {
		return mapSendError(fmt.Errorf("chat: loading history: %w", err))
	}

	r.mu.Lock()
	r.partner = partner
	r.key = key
	r.messages = nil
	r.seen = make(map[ref.MessageID]struct{}, len(history))
	appended := make([]wire.Message, 0, len(history))
	for _, message := range history {
		if r.appendLocked(message) {
			appended = append(appended, message)
		}
	}
	r.mu.Unlock()

	for _, message := range appended {
		r.notifyAppend(message)
	}
	return nil
}

// CloseConversation deselects the conversation. Pushes are discarded
// until the next Open.
func (r *Reconciler) CloseConversation() {
	r.mu.Lock()
	r.partner = ref.UserID{}
	r.key = ref.ConversationKey{}
	r.messages = nil
	r.seen = nil
	r.mu.Unlock()
}

// Partner returns the open conversation's peer, zero when closed.
func (r *Reconciler) Partner() ref.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partner
}

// Send posts a message to the open conversation and appends the stored
// record the backend returns, unless the push path already delivered
// it. Failures map onto the send taxonomy: ErrNotAuthorized (not
// friends), ErrNotFound (no such user), ErrTransient (retryable), and
// are never retried here.
func (r *Reconciler) Send(ctx context.Context, body, attachmentRef string) (*wire.Message, error) {
	r.mu.Lock()
	partner := r.partner
	r.mu.Unlock()
	if partner.IsZero() {
		return nil, ErrNoConversation
	}

	message, err := r.api.SendMessage(ctx, partner, body, attachmentRef)
	if err != nil {
		return nil, mapSendError(err)
	}

	r.mu.Lock()
	// The conversation may have changed while the request was in
	// flight; the stored record then belongs to a list we no longer
	// show.
	stale := r.partner != partner
	appended := false
	if !stale {
		appended = r.appendLocked(*message)
	}
	r.mu.Unlock()

	if appended {
		r.notifyAppend(*message)
		r.publishEcho(ctx, *message)
	}
	return message, nil
}

// HandleMessage runs the push filter chain for one message event:
// discard unless the local user is involved, a conversation is open,
// the pair matches it, and the ID is new; otherwise append preserving
// arrival order. Wire this to the connection's newMessage event.
func (r *Reconciler) HandleMessage(message wire.Message) {
	if r.ingest(message) {
		r.publishEcho(context.Background(), message)
	}
}

// Messages returns the visible list in insertion order.
func (r *Reconciler) Messages() []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Message(nil), r.messages...)
}

// ingest applies the filter chain and reports whether the message was
// appended.
func (r *Reconciler) ingest(message wire.Message) bool {
	if message.SenderID != r.self && message.ReceiverID != r.self {
		return false
	}

	r.mu.Lock()
	if r.partner.IsZero() {
		r.mu.Unlock()
		return false
	}
	pair, err := ref.NewConversationKey(message.SenderID, message.ReceiverID)
	if err != nil || pair != r.key {
		r.mu.Unlock()
		return false
	}
	appended := r.appendLocked(message)
	r.mu.Unlock()

	if appended {
		r.notifyAppend(message)
	}
	return appended
}

// appendLocked appends unless the ID was already seen. Messages that
// have no ID yet (optimistic copies) are always appended; only the
// backend deduplicates them later by assigning IDs. Caller holds mu.
func (r *Reconciler) appendLocked(message wire.Message) bool {
	if !message.ID.IsZero() {
		if _, dup := r.seen[message.ID]; dup {
			return false
		}
		r.seen[message.ID] = struct{}{}
	}
	r.messages = append(r.messages, message)
	return true
}

// handleBusRecord feeds a sibling tab's append through the same filter
// chain. No re-publish: only the tab that first handled the message
// echoes it, so records don't bounce between tabs.
func (r *Reconciler) handleBusRecord(record tabbus.Record) {
	var message wire.Message
	if err := codec.Unmarshal(record.Payload, &message); err != nil {
		r.logger.Warn("dropping malformed bus message", "sender", record.Sender, "error", err)
		return
	}
	r.ingest(message)
}

// publishEcho mirrors an appended message to sibling tabs.
func (r *Reconciler) publishEcho(ctx context.Context, message wire.Message) {
	if r.bus == nil {
		return
	}
	payload, err := codec.Marshal(message)
	if err != nil {
		r.logger.Warn("encoding message echo failed", "error", err)
		return
	}
	if err := r.bus.Publish(ctx, BusTopic, payload); err != nil {
		r.logger.Warn("publishing message echo failed", "error", err)
	}
}

func (r *Reconciler) notifyAppend(message wire.Message) {
	if r.onAppend != nil {
		r.onAppend(message)
	}
}

// mapSendError folds an API failure onto the send taxonomy, keeping
// the cause in the message.
func mapSendError(err error) error {
	switch status := api.StatusOf(err); {
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrNotAuthorized, err)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	case api.IsTransient(err):
		return fmt.Errorf("%w: %s", ErrTransient, err)
	default:
		return err
	}
}
