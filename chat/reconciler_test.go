// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parley-chat/parley/api"
	"github.com/parley-chat/parley/lib/clock"
	"github.com/parley-chat/parley/lib/ref"
	"github.com/parley-chat/parley/tabbus"
	"github.com/parley-chat/parley/tabstore"
	"github.com/parley-chat/parley/wire"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func mustUserID(t *testing.T, raw string) ref.UserID {
	t.Helper()
	id, err := ref.ParseUserID(raw)
	if err != nil {
		t.Fatalf("ParseUserID(%q) failed: %v", raw, err)
	}
	return id
}

func mustMessageID(t *testing.T, raw string) ref.MessageID {
	t.Helper()
	id, err := ref.ParseMessageID(raw)
	if err != nil {
		t.Fatalf("ParseMessageID(%q) failed: %v", raw, err)
	}
	return id
}

// testBackend serves empty history plus a send endpoint that assigns
// sequential message IDs.
func testBackend(t *testing.T) (*api.Client, *atomic.Int64) {
	t.Helper()
	var sends atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages/{partner}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]wire.Message{})
	})
	mux.HandleFunc("POST /api/messages/send/{partner}", func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]string
		json.NewDecoder(r.Body).Decode(&fields)
		n := sends.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"id":         "m-" + r.PathValue("partner") + "-" + strconv.FormatInt(n, 10),
			"senderId":   "alice",
			"receiverId": r.PathValue("partner"),
			"text":       fields["text"],
			"createdAt":  epoch,
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := api.New(api.Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("api.New failed: %v", err)
	}
	return client, &sends
}

func newTestReconciler(t *testing.T, client *api.Client) *Reconciler {
	t.Helper()
	reconciler, err := New(Config{Self: mustUserID(t, "alice"), API: client})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { reconciler.Close() })
	return reconciler
}

func message(t *testing.T, id, sender, receiver, body string) wire.Message {
	t.Helper()
	msg := wire.Message{
		SenderID:   mustUserID(t, sender),
		ReceiverID: mustUserID(t, receiver),
		Body:       body,
		CreatedAt:  epoch,
	}
	if id != "" {
		msg.ID = mustMessageID(t, id)
	}
	return msg
}

func TestSendThenEchoAppearsOnce(t *testing.T) {
	ctx := context.Background()
	client, _ := testBackend(t)
	reconciler := newTestReconciler(t, client)

	if err := reconciler.Open(ctx, mustUserID(t, "bob")); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	sent, err := reconciler.Send(ctx, "hello", "")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if sent.ID.IsZero() {
		t.Fatal("stored record should carry a backend ID")
	}

	// The push path delivers the authoritative echo of our own send.
	reconciler.HandleMessage(*sent)

	messages := reconciler.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected exactly 1 visible entry, got %d", len(messages))
	}
	if messages[0].Body != "hello" {
		t.Errorf("unexpected message: %+v", messages[0])
	}
}

func TestPushFilterChain(t *testing.T) {
	ctx := context.Background()
	client, _ := testBackend(t)
	reconciler := newTestReconciler(t, client)

	// (b) no conversation open: discarded.
	reconciler.HandleMessage(message(t, "m1", "bob", "alice", "early"))
	if got := len(reconciler.Messages()); got != 0 {
		t.Fatalf("message appended with no open conversation: %d", got)
	}

	if err := reconciler.Open(ctx, mustUserID(t, "bob")); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// (a) local user not involved: discarded.
	reconciler.HandleMessage(message(t, "m2", "carol", "dave", "strangers"))
	// (c) pair does not match the open conversation: discarded.
	reconciler.HandleMessage(message(t, "m3", "carol", "alice", "other chat"))
	// (e) matching pair: appended, either direction.
	reconciler.HandleMessage(message(t, "m4", "bob", "alice", "inbound"))
	reconciler.HandleMessage(message(t, "m5", "alice", "bob", "outbound"))
	// (d) duplicate ID: discarded.
	reconciler.HandleMessage(message(t, "m4", "bob", "alice", "inbound again"))

	messages := reconciler.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected 2 visible entries, got %d: %+v", len(messages), messages)
	}
	if messages[0].Body != "inbound" || messages[1].Body != "outbound" {
		t.Errorf("arrival order not preserved: %+v", messages)
	}
}

func TestConversationIsolationAcrossOpen(t *testing.T) {
	ctx := context.Background()
	client, _ := testBackend(t)
	reconciler := newTestReconciler(t, client)

	if err := reconciler.Open(ctx, mustUserID(t, "bob")); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	reconciler.HandleMessage(message(t, "m1", "bob", "alice", "for bob chat"))

	// Switching partners must not leak the previous list.
	if err := reconciler.Open(ctx, mustUserID(t, "carol")); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := len(reconciler.Messages()); got != 0 {
		t.Fatalf("previous conversation leaked into the new one: %d entries", got)
	}
	reconciler.HandleMessage(message(t, "m2", "bob", "alice", "stale push"))
	if got := len(reconciler.Messages()); got != 0 {
		t.Errorf("push for a closed pair was appended: %d entries", got)
	}
}

func TestSendErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"forbidden", http.StatusForbidden, ErrNotAuthorized},
		{"missing", http.StatusNotFound, ErrNotFound},
		{"rate limited", http.StatusTooManyRequests, ErrTransient},
		{"server error", http.StatusInternalServerError, ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var requests atomic.Int64
			mux := http.NewServeMux()
			mux.HandleFunc("GET /api/messages/{partner}", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode([]wire.Message{})
			})
			mux.HandleFunc("POST /api/messages/send/{partner}", func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
			})
			server := httptest.NewServer(mux)
			t.Cleanup(server.Close)
			client, err := api.New(api.Config{BaseURL: server.URL})
			if err != nil {
				t.Fatalf("api.New failed: %v", err)
			}

			reconciler := newTestReconciler(t, client)
			ctx := context.Background()
			if err := reconciler.Open(ctx, mustUserID(t, "bob")); err != nil {
				t.Fatalf("Open failed: %v", err)
			}

			_, err = reconciler.Send(ctx, "doomed", "")
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
			if got := requests.Load(); got != 1 {
				t.Errorf("send must not auto-retry: %d requests", got)
			}
			if got := len(reconciler.Messages()); got != 0 {
				t.Errorf("failed send left %d entries in the list", got)
			}
		})
	}
}

func TestSendNetworkFailureIsTransient(t *testing.T) {
	client, err := api.New(api.Config{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("api.New failed: %v", err)
	}
	reconciler, err := New(Config{Self: mustUserID(t, "alice"), API: client})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { reconciler.Close() })

	// The history load hits an unreachable backend.
	if err := reconciler.Open(context.Background(), mustUserID(t, "bob")); !errors.Is(err, ErrTransient) {
		t.Errorf("expected ErrTransient from unreachable backend, got %v", err)
	}
}

func TestSendRequiresOpenConversation(t *testing.T) {
	client, _ := testBackend(t)
	reconciler := newTestReconciler(t, client)

	if _, err := reconciler.Send(context.Background(), "hi", ""); !errors.Is(err, ErrNoConversation) {
		t.Errorf("expected ErrNoConversation, got %v", err)
	}
}

func TestOpenLoadsHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages/{partner}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "m1", "senderId": "bob", "receiverId": "alice", "text": "old", "createdAt": epoch},
			{"id": "m2", "senderId": "alice", "receiverId": "bob", "text": "older", "createdAt": epoch},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client, err := api.New(api.Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("api.New failed: %v", err)
	}

	reconciler := newTestReconciler(t, client)
	if err := reconciler.Open(context.Background(), mustUserID(t, "bob")); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	messages := reconciler.Messages()
	if len(messages) != 2 || messages[0].Body != "old" {
		t.Errorf("history not loaded in order: %+v", messages)
	}
}

func TestCrossTabEcho(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(epoch)
	client, _ := testBackend(t)

	store, err := tabstore.Open(tabstore.Config{
		Path:  filepath.Join(t.TempDir(), "tabs.db"),
		Clock: fake,
	})
	if err != nil {
		t.Fatalf("tabstore.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	const poll = 100 * time.Millisecond
	newTab := func() (*Reconciler, *tabbus.Bus) {
		bus, err := tabbus.New(tabbus.Config{
			Store: store, Self: ref.NewTabID(), PollInterval: poll, Clock: fake,
		})
		if err != nil {
			t.Fatalf("tabbus.New failed: %v", err)
		}
		t.Cleanup(func() { bus.Close() })
		reconciler, err := New(Config{Self: mustUserID(t, "alice"), API: client, Bus: bus})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		t.Cleanup(func() { reconciler.Close() })
		return reconciler, bus
	}

	first, _ := newTab()
	second, _ := newTab()
	fake.WaitForPending(2)

	if err := first.Open(ctx, mustUserID(t, "bob")); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := second.Open(ctx, mustUserID(t, "bob")); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Only the first tab's connection got the push; the bus carries it
	// to the sibling tab.
	first.HandleMessage(message(t, "m1", "bob", "alice", "shared"))

	deadline := time.Now().Add(5 * time.Second)
	for len(second.Messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sibling tab never received the echoed message")
		}
		fake.Advance(poll)
		time.Sleep(time.Millisecond)
	}
	got := second.Messages()
	if len(got) != 1 || got[0].Body != "shared" {
		t.Fatalf("unexpected sibling list: %+v", got)
	}

	// The sibling does not re-publish: the first tab's list stays at
	// one entry however long the bus keeps polling.
	for range 5 {
		fake.Advance(poll)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(first.Messages()); got != 1 {
		t.Errorf("message bounced back to the origin tab: %d entries", got)
	}
}
