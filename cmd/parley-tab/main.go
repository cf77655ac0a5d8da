// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Parley-tab runs one tab of the chat client's coordination core: a
// live backend connection, the call session machine, the message
// reconciler, and the presence registry, all sharing one per-profile
// store with sibling tabs through the cross-tab bus.
//
// On startup:
//  1. Loads the config file (PARLEY_CONFIG or --config).
//  2. Opens the shared tab store and joins the cross-tab bus.
//  3. Authenticates against the REST backend (--email/--password) or
//     binds directly to --user.
//  4. Connects the duplex transport and fans backend pushes out to the
//     presence registry, reconciler, and call machine.
//
// SIGINT/SIGTERM unloads the tab: any live call ends, the session
// record is removed, and the bus retracts this tab's publications.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/parley-chat/parley/api"
	"github.com/parley-chat/parley/call"
	"github.com/parley-chat/parley/chat"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/connection"
	"github.com/parley-chat/parley/lib/ref"
	"github.com/parley-chat/parley/presence"
	"github.com/parley-chat/parley/tabbus"
	"github.com/parley-chat/parley/tabstore"
	"github.com/parley-chat/parley/wire"
)

// presenceTopic is the bus topic nudging sibling tabs to re-read the
// durable presence key.
const presenceTopic = "presence"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logLevel   string
		endpoint   string
		apiBaseURL string
		userRaw    string
		email      string
		password   string
	)

	pflag.StringVar(&configPath, "config", "", "path to parley.yaml (overrides PARLEY_CONFIG)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.StringVar(&endpoint, "endpoint", "", "override the configured duplex endpoint URL")
	pflag.StringVar(&apiBaseURL, "api-url", "", "override the configured REST base URL")
	pflag.StringVar(&userRaw, "user", "", "user ID to connect as (when not logging in)")
	pflag.StringVar(&email, "email", "", "account email for REST login")
	pflag.StringVar(&password, "password", "", "account password for REST login")
	pflag.Parse()

	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if apiBaseURL != "" {
		cfg.APIBaseURL = apiBaseURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := tabstore.Open(tabstore.Config{Path: cfg.StorePath, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	self := ref.NewTabID()
	logger.Info("tab starting", "tab", self)

	bus, err := tabbus.New(tabbus.Config{Store: store, Self: self, Logger: logger})
	if err != nil {
		return err
	}
	defer bus.Close()

	client, err := api.New(api.Config{BaseURL: cfg.APIBaseURL, Logger: logger})
	if err != nil {
		return err
	}

	userID, displayName, avatarRef, err := resolveIdentity(ctx, client, userRaw, email, password)
	if err != nil {
		return err
	}

	registry, err := presence.New(ctx, presence.Config{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	reconciler, err := chat.New(chat.Config{Self: userID, API: client, Bus: bus, Logger: logger})
	if err != nil {
		return err
	}
	defer reconciler.Close()

	// Invalidation must stop the whole tab, not just the transport.
	invalidated := make(chan struct{}, 1)
	manager, err := connection.New(connection.Config{
		Endpoint:    cfg.Endpoint,
		Store:       store,
		Self:        self,
		DisplayName: displayName,
		AvatarRef:   avatarRef,
		Retry:       cfg.Reconnect,
		SessionTTL:  cfg.SessionTTL,
		Logger:      logger,
		OnState: func(status connection.Status) {
			logger.Info("connection state", "state", status.State.String(),
				"attempt", status.Attempt, "error", status.Err)
			if status.State == connection.StateInvalidated {
				select {
				case invalidated <- struct{}{}:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}
	defer manager.Disconnect()

	machine, err := call.New(call.Config{
		Transport:   manager,
		Presence:    registry,
		Media:       call.NewWebRTCFactory(call.WebRTCConfig{ICEServers: iceServers(cfg), Logger: logger}),
		RingTimeout: cfg.Call.RingTimeout,
		Logger:      logger,
		OnChange: func(snapshot call.Snapshot) {
			logger.Info("call state", "phase", snapshot.Phase.String(),
				"peer", snapshot.Peer, "outcome", snapshot.LastOutcome.String())
		},
	})
	if err != nil {
		return err
	}
	defer machine.End()

	wireEvents(ctx, logger, manager, bus, registry, reconciler, machine)

	if err := manager.Connect(ctx, userID); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("tab unloading")
	case <-invalidated:
		logger.Warn("session invalidated, unloading")
	}
	return nil
}

// wireEvents fans backend pushes out to the components and bridges the
// presence registry onto the cross-tab bus.
func wireEvents(
	ctx context.Context,
	logger *slog.Logger,
	manager *connection.Manager,
	bus *tabbus.Bus,
	registry *presence.Registry,
	reconciler *chat.Reconciler,
	machine *call.Machine,
) {
	manager.On(wire.EventOnlineUsers, func(envelope wire.Envelope) {
		payload, err := wire.DecodePayload[wire.OnlineUsers](envelope)
		if err != nil {
			logger.Warn("dropping frame", "error", err)
			return
		}
		registry.ApplyPush(ctx, payload.IDs)
		// Nudge sibling tabs to re-read the durable key.
		if err := bus.Publish(ctx, presenceTopic, nil); err != nil {
			logger.Warn("presence nudge failed", "error", err)
		}
	})
	if _, err := bus.Subscribe(ctx, presenceTopic, func(tabbus.Record) {
		if err := registry.Refresh(ctx); err != nil {
			logger.Warn("presence refresh failed", "error", err)
		}
	}); err != nil {
		logger.Warn("presence subscription failed", "error", err)
	}

	manager.On(wire.EventNewMessage, func(envelope wire.Envelope) {
		payload, err := wire.DecodePayload[wire.Message](envelope)
		if err != nil {
			logger.Warn("dropping frame", "error", err)
			return
		}
		reconciler.HandleMessage(payload)
	})

	manager.On(wire.EventIncomingCall, func(envelope wire.Envelope) {
		payload, err := wire.DecodePayload[wire.IncomingCall](envelope)
		if err != nil {
			logger.Warn("dropping frame", "error", err)
			return
		}
		machine.HandleIncomingCall(payload)
	})
	manager.On(wire.EventReceiveSignal, func(envelope wire.Envelope) {
		payload, err := wire.DecodePayload[wire.Signal](envelope)
		if err != nil {
			logger.Warn("dropping frame", "error", err)
			return
		}
		machine.HandleSignal(payload)
	})
	manager.On(wire.EventCallAccepted, func(envelope wire.Envelope) {
		payload, err := wire.DecodePayload[wire.Signal](envelope)
		if err != nil {
			logger.Warn("dropping frame", "error", err)
			return
		}
		machine.HandleAccepted(payload)
	})
	manager.On(wire.EventCallEnded, func(envelope wire.Envelope) {
		payload, err := wire.DecodePayload[wire.CallEnd](envelope)
		if err != nil {
			logger.Warn("dropping frame", "error", err)
			return
		}
		machine.HandleEnded(payload)
	})
	manager.On(wire.EventCallFailed, func(envelope wire.Envelope) {
		payload, err := wire.DecodePayload[wire.CallEnd](envelope)
		if err != nil {
			logger.Warn("dropping frame", "error", err)
			return
		}
		machine.HandleFailed(payload)
	})
}

// resolveIdentity logs in through the REST backend when credentials
// were given, otherwise binds directly to --user.
func resolveIdentity(ctx context.Context, client *api.Client, userRaw, email, password string) (ref.UserID, string, string, error) {
	if email != "" {
		profile, err := client.Login(ctx, email, password)
		if err != nil {
			return ref.UserID{}, "", "", err
		}
		return profile.ID, profile.FullName, profile.AvatarRef, nil
	}
	if userRaw == "" {
		return ref.UserID{}, "", "", fmt.Errorf("either --email/--password or --user is required")
	}
	userID, err := ref.ParseUserID(userRaw)
	if err != nil {
		return ref.UserID{}, "", "", err
	}
	return userID, "", "", nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.Call.ICEServers))
	for _, server := range cfg.Call.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return servers
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
