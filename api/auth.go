// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/parley-chat/parley/lib/ref"
)

// Profile is the backend's account record.
type Profile struct {
	ID        ref.UserID `json:"id"`
	FullName  string     `json:"fullName"`
	Email     string     `json:"email,omitempty"`
	AvatarRef string     `json:"profilePic,omitempty"`
	CreatedAt time.Time  `json:"createdAt,omitempty"`
}

// loginResponse is the Login wire shape: the profile plus a bearer
// token for subsequent requests.
type loginResponse struct {
	Profile
	Token string `json:"token"`
}

// CheckAuth validates the installed token and returns the account it
// belongs to.
func (c *Client) CheckAuth(ctx context.Context) (*Profile, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/auth/check", nil)
	if err != nil {
		return nil, fmt.Errorf("api: auth check failed: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("api: failed to parse auth check response: %w", err)
	}
	return &profile, nil
}

// Login authenticates and installs the returned bearer token on the
// client.
func (c *Client) Login(ctx context.Context, email, password string) (*Profile, error) {
	if email == "" {
		return nil, fmt.Errorf("api: email is required for login")
	}
	if password == "" {
		return nil, fmt.Errorf("api: password is required for login")
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("api: login failed: %w", err)
	}

	var response loginResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("api: failed to parse login response: %w", err)
	}
	c.SetToken(response.Token)
	return &response.Profile, nil
}

// Logout invalidates the session on the backend and clears the local
// token. Clearing happens even when the request fails: a tab that
// decided to log out must not keep authenticating.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/auth/logout", nil)
	c.SetToken("")
	if err != nil {
		return fmt.Errorf("api: logout failed: %w", err)
	}
	return nil
}

// UpdateProfile replaces the account's avatar reference.
func (c *Client) UpdateProfile(ctx context.Context, avatarRef string) (*Profile, error) {
	body, err := c.doRequest(ctx, http.MethodPut, "/api/auth/update-profile", map[string]string{
		"profilePic": avatarRef,
	})
	if err != nil {
		return nil, fmt.Errorf("api: profile update failed: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("api: failed to parse profile response: %w", err)
	}
	return &profile, nil
}
