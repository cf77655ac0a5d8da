// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package tabbus is the broadcast channel between tabs of one device
// profile, layered on the shared store's bus log. It is the only
// inter-tab channel: no tab ever holds a direct reference to another.
//
// Delivery contract: a subscriber never observes its own tab's
// publications (sender-tag filter) and never observes a record at or
// below its watermark (no replays). Records arrive in publish order
// per topic — the store's sequence numbers are a total order per
// topic, which is strictly stronger than the timestamp watermark the
// contract requires.
package tabbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-chat/parley/lib/clock"
	"github.com/parley-chat/parley/lib/ref"
	"github.com/parley-chat/parley/tabstore"
)

// defaultPollInterval is how often the bus checks the shared log for
// records published by other tabs.
const defaultPollInterval = 250 * time.Millisecond

// defaultRetention is how long a publication stays in the log before
// its publisher retracts it. The bus is a transient "last event"
// channel; the window only needs to outlast every tab's poll interval.
const defaultRetention = 10 * time.Second

// Record is one delivered publication.
type Record struct {
	// Topic the record was published on.
	Topic string

	// Sender is the publishing tab. Never equal to the subscriber's
	// own tab ID.
	Sender ref.TabID

	// Payload is the opaque publication body; publishers and
	// subscribers agree on its encoding per topic.
	Payload []byte

	// PublishedAt is the publication wall-clock time.
	PublishedAt time.Time
}

// Handler receives publications from other tabs, invoked from the
// bus's poll goroutine in publish order.
type Handler func(Record)

// Config holds the parameters for creating a Bus.
type Config struct {
	// Store is the shared tab store backing the bus log.
	Store *tabstore.Store

	// Self is this tab's identity; publications carrying it are
	// filtered from this bus's subscribers.
	Self ref.TabID

	// PollInterval overrides the log poll cadence. Zero uses the
	// default.
	PollInterval time.Duration

	// Retention overrides how long own publications stay in the log
	// before retraction. Zero uses the default.
	Retention time.Duration

	// Clock drives the poller. Nil defaults to clock.Real().
	Clock clock.Clock

	// Logger receives delivery diagnostics. Nil discards.
	Logger *slog.Logger
}

// Bus is one tab's handle on the cross-tab channel. Safe for
// concurrent use.
type Bus struct {
	store        *tabstore.Store
	self         ref.TabID
	pollInterval time.Duration
	retention    time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// subscription tracks one subscriber's position in the log.
type subscription struct {
	topic   string
	handler Handler

	// afterSeq is the watermark: the highest sequence number already
	// delivered (or skipped). Only the poll goroutine advances it.
	afterSeq int64
}

// New creates the bus and starts its poll goroutine. Call Close when
// the tab shuts down.
func New(cfg Config) (*Bus, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("tabbus: Store is required")
	}
	if cfg.Self.IsZero() {
		return nil, fmt.Errorf("tabbus: Self tab ID is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		store:        cfg.Store,
		self:         cfg.Self,
		pollInterval: pollInterval,
		retention:    retention,
		clock:        clk,
		logger:       logger,
		subs:         make(map[*subscription]struct{}),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go bus.poll()
	return bus, nil
}

// Publish appends a sender-tagged record for the topic, then retracts
// this tab's publications older than the retention window. Subscribers
// on this bus never see the record; subscribers in other tabs pick it
// up on their next poll.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, err := b.store.AppendBusRecord(ctx, topic, b.self, payload); err != nil {
		return fmt.Errorf("tabbus: publish on %q: %w", topic, err)
	}

	// Retraction keeps the log transient. Failure leaves garbage that
	// a later publish cleans up — never fatal to the publication.
	if err := b.store.RetractBusRecords(ctx, b.self, b.retention); err != nil {
		b.logger.Warn("bus retraction failed", "topic", topic, "error", err)
	}
	return nil
}

// Subscribe registers a handler for a topic. The watermark starts at
// the current end of the log, so the handler only sees publications
// made after this call. Returns an unsubscribe function; calling it
// more than once is a no-op.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	if topic == "" {
		return nil, fmt.Errorf("tabbus: topic is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("tabbus: handler is required")
	}

	latest, err := b.store.LatestBusSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("tabbus: subscribe to %q: %w", topic, err)
	}

	sub := &subscription{topic: topic, handler: handler, afterSeq: latest}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
		})
	}, nil
}

// Close stops the poll goroutine and removes this tab's remaining
// publications from the log.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done

		// Final retraction with a zero window: nothing of ours should
		// outlive the tab.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.store.RetractBusRecords(ctx, b.self, 0); err != nil {
			b.logger.Warn("final bus retraction failed", "error", err)
		}
	})
	return nil
}

// poll delivers new records to subscribers until Close.
func (b *Bus) poll() {
	defer close(b.done)

	ticker := b.clock.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.deliverPending()
		}
	}
}

// deliverPending advances every subscription past the new records in
// the log. Handlers run synchronously here, so per topic they observe
// publish order.
func (b *Bus) deliverPending() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		records, err := b.store.BusRecordsAfter(b.ctx, sub.topic, sub.afterSeq)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Warn("bus poll failed", "topic", sub.topic, "error", err)
			continue
		}

		for _, record := range records {
			// Watermark advances over skipped records too: a self
			// publication must never be re-examined on later polls.
			sub.afterSeq = record.Seq
			if record.Sender == b.self {
				continue
			}
			sub.handler(Record{
				Topic:       record.Topic,
				Sender:      record.Sender,
				Payload:     record.Payload,
				PublishedAt: time.UnixMilli(record.PublishedAtMS),
			})
		}
	}
}
