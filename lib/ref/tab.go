// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// tabIDPrefix distinguishes tab identities from other identifier kinds
// in shared storage and log output.
const tabIDPrefix = "tab-"

// TabID identifies one browser tab (one coordination-core instance)
// within a device profile. Tab identities are generated locally at
// startup and are never assigned by the backend.
//
// TabID is an immutable value type. The zero value is not valid; use
// IsZero to check.
type TabID struct {
	id string
}

// NewTabID generates a fresh tab identity.
func NewTabID() TabID {
	return TabID{id: tabIDPrefix + uuid.NewString()}
}

// ParseTabID validates and wraps a raw tab identity string.
func ParseTabID(raw string) (TabID, error) {
	rest, ok := strings.CutPrefix(raw, tabIDPrefix)
	if !ok {
		return TabID{}, fmt.Errorf("ref: tab ID %q missing %q prefix", raw, tabIDPrefix)
	}
	if _, err := uuid.Parse(rest); err != nil {
		return TabID{}, fmt.Errorf("ref: tab ID %q is not a valid UUID: %w", raw, err)
	}
	return TabID{id: raw}, nil
}

// String returns the full tab identity string.
func (t TabID) String() string { return t.id }

// IsZero reports whether the TabID is the zero value (uninitialized).
func (t TabID) IsZero() bool { return t.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (t TabID) MarshalText() ([]byte, error) {
	if t.id == "" {
		return nil, fmt.Errorf("ref: cannot marshal zero TabID")
	}
	return []byte(t.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation.
func (t *TabID) UnmarshalText(text []byte) error {
	parsed, err := ParseTabID(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
