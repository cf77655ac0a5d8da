// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the tab binary.
//
// Configuration is loaded from a single file specified by:
//   - PARLEY_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is the
// single source of truth; environment variables do not override values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-chat/parley/connection"
)

// Config is the tab binary's configuration.
type Config struct {
	// Endpoint is the backend's duplex endpoint URL.
	Endpoint string `yaml:"endpoint"`

	// APIBaseURL is the backend's REST base URL.
	APIBaseURL string `yaml:"api_base_url"`

	// StorePath is the shared per-profile store file. All tabs of one
	// profile point at the same path.
	StorePath string `yaml:"store_path"`

	// SessionTTL is how long an unrefreshed tab session record
	// survives before pruning. Zero uses the connection default.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// Reconnect bounds the connection retry loop.
	Reconnect connection.RetryPolicy `yaml:"reconnect"`

	// Call configures the call session machine.
	Call CallConfig `yaml:"call"`
}

// CallConfig configures call sessions.
type CallConfig struct {
	// RingTimeout is the auto-reject countdown for incoming offers.
	// Zero uses the default (30s).
	RingTimeout time.Duration `yaml:"ring_timeout"`

	// ICEServers configure STUN/TURN for media negotiation.
	ICEServers []ICEServer `yaml:"ice_servers"`
}

// ICEServer is one STUN/TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Default returns the built-in defaults; the file overrides them.
func Default() *Config {
	return &Config{
		Endpoint:   "ws://localhost:5001/socket",
		APIBaseURL: "http://localhost:5001",
		StorePath:  "parley-tabs.db",
	}
}

// Load loads configuration from the PARLEY_CONFIG environment
// variable. There are no fallbacks: if it is not set, this fails.
func Load() (*Config, error) {
	path := os.Getenv("PARLEY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("config: PARLEY_CONFIG environment variable not set; " +
			"set it to the path of your parley.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults, then validates.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail far from the
// config file.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("session_ttl must not be negative")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be within [0, 1], got %v", c.Reconnect.Jitter)
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect.base_delay %v exceeds max_delay %v",
			c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.Call.RingTimeout < 0 {
		return fmt.Errorf("call.ring_timeout must not be negative")
	}
	for i, server := range c.Call.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d] has no urls", i)
		}
	}
	return nil
}
