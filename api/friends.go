// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/parley-chat/parley/lib/ref"
)

// FriendRequest is a pending inbound friend request.
type FriendRequest struct {
	ID        string    `json:"id"`
	From      Profile   `json:"from"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Friends returns the account's friend list. These are the only peers
// a conversation or call can target.
func (c *Client) Friends(ctx context.Context) ([]Profile, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/friends", nil)
	if err != nil {
		return nil, fmt.Errorf("api: friend list failed: %w", err)
	}

	var friends []Profile
	if err := json.Unmarshal(body, &friends); err != nil {
		return nil, fmt.Errorf("api: failed to parse friend list: %w", err)
	}
	return friends, nil
}

// SearchUsers finds accounts matching the query, excluding existing
// friends and the caller.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]Profile, error) {
	if query == "" {
		return nil, fmt.Errorf("api: search query is required")
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/api/friends/search", nil,
		url.Values{"q": []string{query}})
	if err != nil {
		return nil, fmt.Errorf("api: user search failed: %w", err)
	}

	var users []Profile
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("api: failed to parse search results: %w", err)
	}
	return users, nil
}

// SendFriendRequest creates a pending request to the user.
func (c *Client) SendFriendRequest(ctx context.Context, to ref.UserID) error {
	path := "/api/friends/request/" + url.PathEscape(to.String())
	if _, err := c.doRequest(ctx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("api: friend request failed: %w", err)
	}
	return nil
}

// PendingRequests returns inbound requests awaiting a decision.
func (c *Client) PendingRequests(ctx context.Context) ([]FriendRequest, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/friends/requests", nil)
	if err != nil {
		return nil, fmt.Errorf("api: pending requests failed: %w", err)
	}

	var requests []FriendRequest
	if err := json.Unmarshal(body, &requests); err != nil {
		return nil, fmt.Errorf("api: failed to parse pending requests: %w", err)
	}
	return requests, nil
}

// AcceptFriendRequest accepts a pending request by its ID.
func (c *Client) AcceptFriendRequest(ctx context.Context, requestID string) error {
	path := "/api/friends/accept/" + url.PathEscape(requestID)
	if _, err := c.doRequest(ctx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("api: accept friend request failed: %w", err)
	}
	return nil
}

// DeclineFriendRequest declines a pending request by its ID.
func (c *Client) DeclineFriendRequest(ctx context.Context, requestID string) error {
	path := "/api/friends/decline/" + url.PathEscape(requestID)
	if _, err := c.doRequest(ctx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("api: decline friend request failed: %w", err)
	}
	return nil
}

// RemoveFriend severs the friendship with the user.
func (c *Client) RemoveFriend(ctx context.Context, friend ref.UserID) error {
	path := "/api/friends/" + url.PathEscape(friend.String())
	if _, err := c.doRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("api: remove friend failed: %w", err)
	}
	return nil
}
