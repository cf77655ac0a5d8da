// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// MessageID is a backend-assigned message identity. Messages created
// optimistically (sent but not yet acknowledged) have no MessageID;
// the zero value represents that state and IsZero distinguishes it.
type MessageID struct {
	id string
}

// ParseMessageID validates and wraps a raw message identity string.
func ParseMessageID(raw string) (MessageID, error) {
	if raw == "" {
		return MessageID{}, fmt.Errorf("ref: message ID is empty")
	}
	if strings.ContainsAny(raw, " \t\n") {
		return MessageID{}, fmt.Errorf("ref: message ID %q contains whitespace", raw)
	}
	return MessageID{id: raw}, nil
}

// String returns the raw message identity string.
func (m MessageID) String() string { return m.id }

// IsZero reports whether the MessageID is the zero value. A zero
// MessageID marks an optimistic message that the backend has not yet
// acknowledged.
func (m MessageID) IsZero() bool { return m.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (m MessageID) MarshalText() ([]byte, error) {
	return []byte(m.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty text
// yields the zero MessageID, matching the optimistic-message state.
func (m *MessageID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*m = MessageID{}
		return nil
	}
	parsed, err := ParseMessageID(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
