// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks which users are online. Each tab receives
// its own authoritative full-list push from the backend and mirrors it
// into the shared store's durable presence key, so a freshly opened
// tab starts from the last known set instead of flashing everyone
// offline. There is no merge logic: the durable key is last-writer-wins
// and timestamp-watermarked, eventually consistent across tabs within
// one push interval.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/parley-chat/parley/lib/clock"
	"github.com/parley-chat/parley/lib/ref"
	"github.com/parley-chat/parley/tabstore"
)

// Config holds the parameters for creating a Registry.
type Config struct {
	// Store backs the durable presence key. Required.
	Store *tabstore.Store

	// OnChange is invoked with the new online set whenever it changes,
	// from the goroutine applying the change. Nil disables.
	OnChange func(ids []ref.UserID)

	// Clock stamps pushes. Nil defaults to clock.Real().
	Clock clock.Clock

	// Logger receives diagnostics. Nil discards.
	Logger *slog.Logger
}

// Registry is one tab's view of the online set. Safe for concurrent
// use.
type Registry struct {
	store    *tabstore.Store
	onChange func([]ref.UserID)
	clock    clock.Clock
	logger   *slog.Logger

	mu sync.RWMutex
	online map[ref.UserID]struct{}

	// appliedAtMS is the push timestamp of the set currently held.
	// Durable values at or below it are stale and ignored.
	appliedAtMS int64
}

// New creates the registry, seeded from the durable key so the first
// reader sees the last known set.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("presence: Store is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	registry := &Registry{
		store:    cfg.Store,
		onChange: cfg.OnChange,
		clock:    clk,
		logger:   logger,
		online:   make(map[ref.UserID]struct{}),
	}

	snapshot, found, err := cfg.Store.Presence(ctx)
	if err != nil {
		return nil, fmt.Errorf("presence: seeding from store: %w", err)
	}
	if found {
		for _, id := range snapshot.IDs {
			registry.online[id] = struct{}{}
		}
		registry.appliedAtMS = snapshot.PushedAtMS
	}
	return registry, nil
}

// ApplyPush replaces the online set with the backend's authoritative
// list and mirrors it to the durable key. A store failure keeps the
// local set current and is logged: local observers must not lag the
// live connection because the disk hiccuped.
func (r *Registry) ApplyPush(ctx context.Context, ids []ref.UserID) {
	now := r.clock.Now().UnixMilli()

	next := make(map[ref.UserID]struct{}, len(ids))
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		next[id] = struct{}{}
	}

	r.mu.Lock()
	changed := !sameSet(r.online, next)
	r.online = next
	if now > r.appliedAtMS {
		r.appliedAtMS = now
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	err := r.store.PutPresence(ctx, tabstore.PresenceSnapshot{IDs: snapshot, PushedAtMS: now})
	if err != nil {
		r.logger.Warn("presence mirror failed", "error", err)
	}
	if changed {
		r.notify(snapshot)
	}
}

// Refresh adopts the durable key if another tab pushed a newer set
// since this registry last applied one. Stale durable values are
// ignored so an already-handled push never re-fires.
func (r *Registry) Refresh(ctx context.Context) error {
	snapshot, found, err := r.store.Presence(ctx)
	if err != nil {
		return fmt.Errorf("presence: refresh: %w", err)
	}
	if !found {
		return nil
	}

	next := make(map[ref.UserID]struct{}, len(snapshot.IDs))
	for _, id := range snapshot.IDs {
		next[id] = struct{}{}
	}

	r.mu.Lock()
	if snapshot.PushedAtMS <= r.appliedAtMS {
		r.mu.Unlock()
		return nil
	}
	changed := !sameSet(r.online, next)
	r.online = next
	r.appliedAtMS = snapshot.PushedAtMS
	ids := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.notify(ids)
	}
	return nil
}

// IsOnline reports whether the user is in the current online set.
func (r *Registry) IsOnline(id ref.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[id]
	return ok
}

// Snapshot returns the online set, sorted for stable display.
func (r *Registry) Snapshot() []ref.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []ref.UserID {
	ids := make([]ref.UserID, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (r *Registry) notify(ids []ref.UserID) {
	if r.onChange != nil {
		r.onChange(ids)
	}
}

func sameSet(a, b map[ref.UserID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
