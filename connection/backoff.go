// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the reconnect loop. The zero value gets the
// defaults below.
type RetryPolicy struct {
	// MaxAttempts is the dial attempt cap per Connect. The loop gives
	// up and reports StateFailed after this many consecutive failures.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the wait after the first failed attempt; each
	// further failure doubles it up to MaxDelay.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the doubling.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Jitter is the random fraction (0..1) applied symmetrically to
	// each delay so simultaneous tabs don't redial in lockstep.
	Jitter float64 `yaml:"jitter"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// delay computes the wait after the given failed attempt (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	wait := p.BaseDelay
	for i := 1; i < attempt && wait < p.MaxDelay; i++ {
		wait *= 2
	}
	if wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := 1 + p.Jitter*(2*rand.Float64()-1)
		wait = time.Duration(float64(wait) * spread)
	}
	return wait
}
