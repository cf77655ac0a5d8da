// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// UserID is a validated user identity as issued by the backend. The
// backend treats user identities as opaque tokens (in practice a hex
// object ID), so this type enforces only structural sanity: non-empty,
// no whitespace, no '|' (reserved as the ConversationKey separator).
//
// UserID is an immutable value type. The zero value is not valid; use
// IsZero to check.
type UserID struct {
	id string
}

// ParseUserID validates and wraps a raw user identity string.
func ParseUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, fmt.Errorf("ref: user ID is empty")
	}
	if strings.ContainsAny(raw, " \t\n|") {
		return UserID{}, fmt.Errorf("ref: user ID %q contains reserved characters", raw)
	}
	return UserID{id: raw}, nil
}

// String returns the raw user identity string.
func (u UserID) String() string { return u.id }

// IsZero reports whether the UserID is the zero value (uninitialized).
func (u UserID) IsZero() bool { return u.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	if u.id == "" {
		return nil, fmt.Errorf("ref: cannot marshal zero UserID")
	}
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation.
func (u *UserID) UnmarshalText(text []byte) error {
	parsed, err := ParseUserID(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
