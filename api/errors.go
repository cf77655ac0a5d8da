// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the backend's error response, annotated with the HTTP
// status code.
type Error struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %s: %s (HTTP %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("api: %s (HTTP %d)", e.Message, e.StatusCode)
}

// StatusOf extracts the HTTP status from an error chain. Returns 0 for
// errors that never reached the backend (network failures, context
// cancellation).
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsTransient reports whether a failed request is worth retrying:
// rate limiting, server-side failure, or no HTTP response at all.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	status := StatusOf(err)
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}
