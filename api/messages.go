// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/parley-chat/parley/lib/ref"
	"github.com/parley-chat/parley/wire"
)

// History returns all stored messages between the caller and the
// partner, oldest first.
func (c *Client) History(ctx context.Context, partner ref.UserID) ([]wire.Message, error) {
	path := "/api/messages/" + url.PathEscape(partner.String())
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("api: message history failed: %w", err)
	}

	var messages []wire.Message
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("api: failed to parse message history: %w", err)
	}
	return messages, nil
}

// SendMessage persists a message to the partner and returns the stored
// record, now carrying its backend-assigned ID and timestamp. The
// backend also pushes the record to the partner's live connection.
func (c *Client) SendMessage(ctx context.Context, partner ref.UserID, body, attachmentRef string) (*wire.Message, error) {
	if body == "" && attachmentRef == "" {
		return nil, fmt.Errorf("api: message needs a body or an attachment")
	}

	path := "/api/messages/send/" + url.PathEscape(partner.String())
	responseBody, err := c.doRequest(ctx, http.MethodPost, path, map[string]string{
		"text":  body,
		"image": attachmentRef,
	})
	if err != nil {
		return nil, fmt.Errorf("api: send message failed: %w", err)
	}

	var message wire.Message
	if err := json.Unmarshal(responseBody, &message); err != nil {
		return nil, fmt.Errorf("api: failed to parse sent message: %w", err)
	}
	return &message, nil
}
