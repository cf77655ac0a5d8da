// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// conversationKeySeparator joins the two participant IDs in the string
// form of a ConversationKey. ParseUserID rejects '|' in user IDs, so
// the string form is unambiguous.
const conversationKeySeparator = "|"

// ConversationKey identifies a direct conversation as the unordered
// pair of its two participants. Construction canonicalizes the pair
// (lexicographically smaller ID first), so the key built from (a, b)
// equals the key built from (b, a).
//
// ConversationKey is an immutable value type. The zero value is not
// valid; use IsZero to check.
type ConversationKey struct {
	low  UserID
	high UserID
}

// NewConversationKey builds the canonical key for a conversation
// between two distinct users.
func NewConversationKey(a, b UserID) (ConversationKey, error) {
	if a.IsZero() || b.IsZero() {
		return ConversationKey{}, fmt.Errorf("ref: conversation key requires two non-zero user IDs")
	}
	if a == b {
		return ConversationKey{}, fmt.Errorf("ref: conversation key requires two distinct users, got %s twice", a)
	}
	if a.String() > b.String() {
		a, b = b, a
	}
	return ConversationKey{low: a, high: b}, nil
}

// ParseConversationKey parses the "low|high" string form.
func ParseConversationKey(raw string) (ConversationKey, error) {
	left, right, found := strings.Cut(raw, conversationKeySeparator)
	if !found {
		return ConversationKey{}, fmt.Errorf("ref: conversation key %q missing separator", raw)
	}
	a, err := ParseUserID(left)
	if err != nil {
		return ConversationKey{}, fmt.Errorf("ref: conversation key %q: %w", raw, err)
	}
	b, err := ParseUserID(right)
	if err != nil {
		return ConversationKey{}, fmt.Errorf("ref: conversation key %q: %w", raw, err)
	}
	return NewConversationKey(a, b)
}

// String returns the canonical "low|high" form.
func (k ConversationKey) String() string {
	return k.low.String() + conversationKeySeparator + k.high.String()
}

// IsZero reports whether the ConversationKey is the zero value.
func (k ConversationKey) IsZero() bool { return k.low.IsZero() }

// Contains reports whether the given user is one of the two
// participants.
func (k ConversationKey) Contains(u UserID) bool {
	return u == k.low || u == k.high
}

// Partner returns the other participant relative to the given user.
// The second return value is false when the user is not a participant.
func (k ConversationKey) Partner(u UserID) (UserID, bool) {
	switch u {
	case k.low:
		return k.high, true
	case k.high:
		return k.low, true
	}
	return UserID{}, false
}

// MarshalText implements encoding.TextMarshaler.
func (k ConversationKey) MarshalText() ([]byte, error) {
	if k.IsZero() {
		return nil, fmt.Errorf("ref: cannot marshal zero ConversationKey")
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation.
func (k *ConversationKey) UnmarshalText(text []byte) error {
	parsed, err := ParseConversationKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
