// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP response reading for the REST
// collaborator client. All response bodies here are small JSON
// payloads; the bound prevents a misbehaving server from forcing an
// unbounded allocation.
package netutil

import (
	"io"
)

// MaxResponseSize bounds JSON API response body reads: 32 MB. The
// largest legitimate payload is a message-history page with inline
// attachment references, well under a megabyte; the limit is generous
// so it never interferes with normal operation.
const MaxResponseSize int64 = 32 << 20

// ReadResponse reads a response body up to MaxResponseSize bytes. Use
// instead of io.ReadAll for HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}
