// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package tabstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/parley-chat/parley/lib/clock"
	"github.com/parley-chat/parley/lib/ref"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// newTestStore opens a store on a temp file (not :memory:, so the
// pool behaves like production with multiple connections).
func newTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:  filepath.Join(t.TempDir(), "tabs.db"),
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(epoch)
	store := newTestStore(t, fake)

	tab := ref.NewTabID()
	alice := mustUserID(t, "alice")

	err := store.PutSession(ctx, Session{
		TabID:       tab,
		UserID:      alice,
		DisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}

	sessions, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].TabID != tab || sessions[0].UserID != alice {
		t.Errorf("unexpected session record: %+v", sessions[0])
	}
	if sessions[0].LoginTimeMS != epoch.UnixMilli() {
		t.Errorf("login time not stamped from clock: %d", sessions[0].LoginTimeMS)
	}

	if err := store.DeleteSession(ctx, tab); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	sessions, err = store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected empty table after delete, got %d", len(sessions))
	}

	// Deleting again is a no-op, not an error.
	if err := store.DeleteSession(ctx, tab); err != nil {
		t.Errorf("second DeleteSession should be a no-op: %v", err)
	}
}

func TestPruneSessionsKeepsActiveTabs(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(epoch)
	store := newTestStore(t, fake)

	stale := ref.NewTabID()
	live := ref.NewTabID()
	alice := mustUserID(t, "alice")

	if err := store.PutSession(ctx, Session{TabID: stale, UserID: alice}); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}
	if err := store.PutSession(ctx, Session{TabID: live, UserID: alice}); err != nil {
		t.Fatalf("PutSession failed: %v", err)
	}

	fake.Advance(2 * time.Hour)
	if err := store.TouchSession(ctx, live); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}

	pruned, err := store.PruneSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("PruneSessions failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned session, got %d", pruned)
	}

	sessions, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].TabID != live {
		t.Errorf("pruning removed the wrong session: %+v", sessions)
	}
}

func TestPresenceLastWriterWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, clock.Fake(epoch))

	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")

	newer := PresenceSnapshot{IDs: []ref.UserID{alice, bob}, PushedAtMS: 2000}
	if err := store.PutPresence(ctx, newer); err != nil {
		t.Fatalf("PutPresence failed: %v", err)
	}

	// A push with an older timestamp must not roll the set back.
	older := PresenceSnapshot{IDs: []ref.UserID{alice}, PushedAtMS: 1000}
	if err := store.PutPresence(ctx, older); err != nil {
		t.Fatalf("PutPresence failed: %v", err)
	}

	snapshot, found, err := store.Presence(ctx)
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if !found {
		t.Fatal("presence snapshot missing")
	}
	if snapshot.PushedAtMS != 2000 || len(snapshot.IDs) != 2 {
		t.Errorf("stale write overwrote newer snapshot: %+v", snapshot)
	}
}

func TestPresenceMissing(t *testing.T) {
	store := newTestStore(t, clock.Fake(epoch))
	_, found, err := store.Presence(context.Background())
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if found {
		t.Error("empty store should report no presence snapshot")
	}
}

func TestBusAppendAndReadAfter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, clock.Fake(epoch))
	sender := ref.NewTabID()

	first, err := store.AppendBusRecord(ctx, "messages", sender, []byte("one"))
	if err != nil {
		t.Fatalf("AppendBusRecord failed: %v", err)
	}
	second, err := store.AppendBusRecord(ctx, "messages", sender, []byte("two"))
	if err != nil {
		t.Fatalf("AppendBusRecord failed: %v", err)
	}
	if second <= first {
		t.Fatalf("sequence numbers not increasing: %d then %d", first, second)
	}
	if _, err := store.AppendBusRecord(ctx, "presence", sender, []byte("x")); err != nil {
		t.Fatalf("AppendBusRecord failed: %v", err)
	}

	records, err := store.BusRecordsAfter(ctx, "messages", first)
	if err != nil {
		t.Fatalf("BusRecordsAfter failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after seq %d, got %d", first, len(records))
	}
	if string(records[0].Payload) != "two" || records[0].Sender != sender {
		t.Errorf("unexpected record: %+v", records[0])
	}

	latest, err := store.LatestBusSeq(ctx)
	if err != nil {
		t.Fatalf("LatestBusSeq failed: %v", err)
	}
	if latest < second {
		t.Errorf("LatestBusSeq %d below last append %d", latest, second)
	}
}

func TestBusRetraction(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(epoch)
	store := newTestStore(t, fake)

	mine := ref.NewTabID()
	theirs := ref.NewTabID()

	if _, err := store.AppendBusRecord(ctx, "messages", mine, []byte("old")); err != nil {
		t.Fatalf("AppendBusRecord failed: %v", err)
	}
	if _, err := store.AppendBusRecord(ctx, "messages", theirs, []byte("other")); err != nil {
		t.Fatalf("AppendBusRecord failed: %v", err)
	}

	fake.Advance(10 * time.Second)
	if _, err := store.AppendBusRecord(ctx, "messages", mine, []byte("fresh")); err != nil {
		t.Fatalf("AppendBusRecord failed: %v", err)
	}

	// Retraction removes only this tab's records past the window.
	if err := store.RetractBusRecords(ctx, mine, 5*time.Second); err != nil {
		t.Fatalf("RetractBusRecords failed: %v", err)
	}

	records, err := store.BusRecordsAfter(ctx, "messages", 0)
	if err != nil {
		t.Fatalf("BusRecordsAfter failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 surviving records, got %d", len(records))
	}
	for _, record := range records {
		if string(record.Payload) == "old" {
			t.Error("retraction left the expired own record behind")
		}
	}
}

func mustUserID(t *testing.T, raw string) ref.UserID {
	t.Helper()
	id, err := ref.ParseUserID(raw)
	if err != nil {
		t.Fatalf("ParseUserID(%q) failed: %v", raw, err)
	}
	return id
}
