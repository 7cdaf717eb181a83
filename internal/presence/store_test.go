package presence

import (
	"context"
	"testing"
	"time"

	"afterdark-live/internal/models"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)}
	store := NewStore(nil, WithClock(clock.Now))
	return store, clock
}

func TestHeartbeatCreatesEntry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	snapshot, err := store.Heartbeat(ctx, "user-1", "Rye Drinker", "avatar-3", "watching")
	if err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	if len(snapshot.Users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(snapshot.Users))
	}
	entry := snapshot.Users[0]
	if entry.UserID != "user-1" || entry.DisplayName != "Rye Drinker" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Status != models.PresenceWatching {
		t.Fatalf("expected watching status, got %s", entry.Status)
	}
	if snapshot.Counts.Total != 1 || snapshot.Counts.Watching != 1 {
		t.Fatalf("unexpected counts: %+v", snapshot.Counts)
	}
}

func TestHeartbeatIsIdempotent(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	first, err := store.Heartbeat(ctx, "user-1", "Rye Drinker", "", "chatting")
	if err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	joined := first.Users[0].JoinedAt

	clock.Advance(20 * time.Second)
	second, err := store.Heartbeat(ctx, "user-1", "Rye Drinker", "", "chatting")
	if err != nil {
		t.Fatalf("second Heartbeat returned error: %v", err)
	}
	if second.Counts.Total != 1 {
		t.Fatalf("expected total 1 after repeated heartbeat, got %d", second.Counts.Total)
	}
	entry := second.Users[0]
	if !entry.JoinedAt.Equal(joined) {
		t.Fatalf("expected joinedAt %v to be preserved, got %v", joined, entry.JoinedAt)
	}
	if !entry.LastSeenAt.After(joined) {
		t.Fatalf("expected lastSeenAt to advance past %v, got %v", joined, entry.LastSeenAt)
	}
}

func TestHeartbeatRejectsMissingIdentity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Heartbeat(ctx, "", "Someone", "", ""); err != ErrInvalidEntry {
		t.Fatalf("expected ErrInvalidEntry for empty userId, got %v", err)
	}
	if _, err := store.Heartbeat(ctx, "user-1", "   ", "", ""); err != ErrInvalidEntry {
		t.Fatalf("expected ErrInvalidEntry for blank displayName, got %v", err)
	}
}

func TestUnknownStatusDefaultsToChatting(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	snapshot, err := store.Heartbeat(ctx, "user-1", "Rye Drinker", "", "lurking")
	if err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	if snapshot.Users[0].Status != models.PresenceChatting {
		t.Fatalf("expected chatting fallback, got %s", snapshot.Users[0].Status)
	}
	if snapshot.Counts.Chatting != 1 {
		t.Fatalf("expected chatting count 1, got %d", snapshot.Counts.Chatting)
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Heartbeat(ctx, "stale", "Gone", "", "watching"); err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	clock.Advance(30 * time.Second)
	if _, err := store.Heartbeat(ctx, "fresh", "Still Here", "", "chatting"); err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}

	clock.Advance(16 * time.Second) // stale is at 46s, fresh at 16s
	removed, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 eviction, got %d", removed)
	}

	snapshot, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(snapshot.Users) != 1 || snapshot.Users[0].UserID != "fresh" {
		t.Fatalf("expected only fresh user to survive, got %+v", snapshot.Users)
	}
}

func TestHeartbeatRevivesSweptUser(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Heartbeat(ctx, "user-1", "Rye Drinker", "", "watching"); err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	clock.Advance(46 * time.Second)
	if _, err := store.Sweep(ctx); err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}

	snapshot, err := store.Heartbeat(ctx, "user-1", "Rye Drinker", "", "watching")
	if err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	if snapshot.Counts.Total != 1 {
		t.Fatalf("expected revived user, got counts %+v", snapshot.Counts)
	}
	if !snapshot.Users[0].JoinedAt.Equal(clock.Now().UTC()) {
		t.Fatalf("expected a fresh joinedAt after revival, got %v", snapshot.Users[0].JoinedAt)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Heartbeat(ctx, "user-1", "Rye Drinker", "", ""); err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	snapshot, err := store.Remove(ctx, "user-1")
	if err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if snapshot.Counts.Total != 0 {
		t.Fatalf("expected empty snapshot after remove, got %+v", snapshot.Counts)
	}
	if _, err := store.Remove(ctx, "user-1"); err != nil {
		t.Fatalf("Remove of absent user returned error: %v", err)
	}
	if _, err := store.Remove(ctx, "never-existed"); err != nil {
		t.Fatalf("Remove of unknown user returned error: %v", err)
	}
}

func TestListOrdersByJoinTime(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if _, err := store.Heartbeat(ctx, id, "Viewer "+id, "", "watching"); err != nil {
			t.Fatalf("Heartbeat returned error: %v", err)
		}
		clock.Advance(time.Second)
	}

	snapshot, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	got := make([]string, 0, len(snapshot.Users))
	for _, entry := range snapshot.Users {
		got = append(got, entry.UserID)
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected join order %v, got %v", want, got)
		}
	}
}
