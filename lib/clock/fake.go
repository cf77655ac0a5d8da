// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a deterministic Clock for tests, initialized to the
// given time. Time stands still until Advance is called; scheduled
// work fires in deadline order as the clock moves past each deadline.
//
// Fake is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock implements Clock with manually controlled time.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. Calling Advance from inside a callback deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*pendingWork
	changed *sync.Cond
}

// pendingWork is one scheduled deliverable: a one-shot channel send
// (After), a one-shot callback (AfterFunc), or a repeating channel
// send (NewTicker, interval > 0).
type pendingWork struct {
	deadline time.Time
	interval time.Duration
	ch       chan time.Time
	fn       func()
	dead     bool // stopped or already fired (one-shot)
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. A non-positive duration delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.schedule(&pendingWork{deadline: c.current.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules f for the given deadline. A non-positive
// duration runs f synchronously before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}
	work := &pendingWork{deadline: c.current.Add(d), fn: f}
	c.schedule(work)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if work.dead {
			return false
		}
		work.dead = true
		return true
	}}
}

// NewTicker returns a ticker firing once per interval crossed by
// Advance. Panics if d <= 0, matching time.NewTicker.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive NewTicker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	work := &pendingWork{deadline: c.current.Add(d), interval: d, ch: ch}
	c.schedule(work)

	return &Ticker{C: ch, stopFunc: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		work.dead = true
	}}
}

// schedule registers work and wakes WaitForPending callers. Caller
// must hold c.mu.
func (c *FakeClock) schedule(work *pendingWork) {
	c.pending = append(c.pending, work)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d, firing everything whose
// deadline falls within the new time. Channel sends are non-blocking
// (full buffers drop the tick, matching time.Ticker). A ticker whose
// interval is crossed several times fires once per crossing.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, work := range due {
			if work.fn != nil {
				work.fn()
				continue
			}
			select {
			case work.ch <- target:
			default:
			}
		}
	}
}

// takeDue removes due one-shot work from the pending list and
// reschedules due tickers for their next interval.
func (c *FakeClock) takeDue(target time.Time) []*pendingWork {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*pendingWork
	for _, work := range c.pending {
		switch {
		case work.dead:
		case work.deadline.After(target):
			keep = append(keep, work)
		default:
			due = append(due, work)
			if work.interval > 0 {
				work.deadline = work.deadline.Add(work.interval)
				keep = append(keep, work)
			} else {
				work.dead = true
			}
		}
	}
	c.pending = keep
	return due
}

// WaitForPending blocks until at least n pieces of scheduled work are
// registered. Removes the race between a goroutine registering a
// timer and the test advancing the clock past it.
func (c *FakeClock) WaitForPending(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.livePending() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of live scheduled items.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.livePending()
}

func (c *FakeClock) livePending() int {
	count := 0
	for _, work := range c.pending {
		if !work.dead {
			count++
		}
	}
	return count
}
