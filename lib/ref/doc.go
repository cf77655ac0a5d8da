// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated identifier types for the tab
// coordination core: user identities, tab identities, message
// identities, and conversation keys.
//
// All types are immutable value types. The zero value of each type is
// not valid; use the IsZero method to check. Construction goes through
// a Parse function (or NewTabID for generated tab identities) so that
// an identifier held by any component is known to be well-formed.
//
// Every type implements encoding.TextMarshaler and TextUnmarshaler,
// so identifiers round-trip through JSON object keys and CBOR records
// without custom codec configuration.
package ref
