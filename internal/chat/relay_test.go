package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"afterdark-live/internal/models"
)

func TestPostAssignsOrderedIDs(t *testing.T) {
	relay := NewRelay()
	ctx := context.Background()
	author := models.ChatAuthor{DisplayName: "Rye Drinker"}

	first, err := relay.Post(ctx, "after-dark", author, "first")
	if err != nil {
		t.Fatalf("Post returned error: %v", err)
	}
	second, err := relay.Post(ctx, "after-dark", author, "second")
	if err != nil {
		t.Fatalf("Post returned error: %v", err)
	}
	if first.ID == "" || second.ID == "" {
		t.Fatal("expected non-empty ids")
	}
	if first.ID >= second.ID {
		t.Fatalf("expected strictly increasing ids, got %s then %s", first.ID, second.ID)
	}
}

func TestPostRejectsInvalidMessages(t *testing.T) {
	relay := NewRelay()
	ctx := context.Background()

	if _, err := relay.Post(ctx, "after-dark", models.ChatAuthor{DisplayName: "A"}, "   "); err != ErrInvalidMessage {
		t.Fatalf("expected ErrInvalidMessage for blank body, got %v", err)
	}
	if _, err := relay.Post(ctx, "after-dark", models.ChatAuthor{}, "hello"); err != ErrInvalidMessage {
		t.Fatalf("expected ErrInvalidMessage for missing author, got %v", err)
	}
	if _, err := relay.Post(ctx, "  ", models.ChatAuthor{DisplayName: "A"}, "hello"); err != ErrInvalidMessage {
		t.Fatalf("expected ErrInvalidMessage for blank channel, got %v", err)
	}
}

func TestPostTruncatesLongBodies(t *testing.T) {
	relay := NewRelay()
	body := strings.Repeat("x", MaxBodyLength+50)
	message, err := relay.Post(context.Background(), "after-dark", models.ChatAuthor{DisplayName: "A"}, body)
	if err != nil {
		t.Fatalf("Post returned error: %v", err)
	}
	if len(message.Body) != MaxBodyLength {
		t.Fatalf("expected body truncated to %d, got %d", MaxBodyLength, len(message.Body))
	}
}

func TestPostTruncatesAtRuneBoundary(t *testing.T) {
	relay := NewRelay()
	// Three-byte runes that do not divide MaxBodyLength evenly, so a byte
	// cut would land mid-rune.
	body := strings.Repeat("日", MaxBodyLength)
	message, err := relay.Post(context.Background(), "after-dark", models.ChatAuthor{DisplayName: "A"}, body)
	if err != nil {
		t.Fatalf("Post returned error: %v", err)
	}
	if len(message.Body) > MaxBodyLength {
		t.Fatalf("expected at most %d bytes, got %d", MaxBodyLength, len(message.Body))
	}
	if !utf8.ValidString(message.Body) {
		t.Fatal("truncated body is not valid UTF-8")
	}
	if !strings.HasSuffix(message.Body, "日") {
		t.Fatalf("expected the body to end on a whole rune, got trailing bytes %q", message.Body[len(message.Body)-3:])
	}
}

func TestRetentionEvictsOldestFirst(t *testing.T) {
	relay := NewRelay(WithRetention(100), WithServeLimit(100))
	ctx := context.Background()
	author := models.ChatAuthor{DisplayName: "Rye Drinker"}

	for i := 0; i < 105; i++ {
		if _, err := relay.Post(ctx, "after-dark", author, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("Post %d returned error: %v", i, err)
		}
	}

	history := relay.History("after-dark", 100)
	if len(history) != 100 {
		t.Fatalf("expected retention cap of 100, got %d", len(history))
	}
	if history[0].Body != "message 5" {
		t.Fatalf("expected oldest five evicted, first is %q", history[0].Body)
	}
	if history[len(history)-1].Body != "message 104" {
		t.Fatalf("expected newest retained, last is %q", history[len(history)-1].Body)
	}
	for i := 1; i < len(history); i++ {
		if history[i-1].ID >= history[i].ID {
			t.Fatalf("expected oldest-first order, saw %s before %s", history[i-1].ID, history[i].ID)
		}
	}
}

func TestHistoryClampsLimit(t *testing.T) {
	relay := NewRelay()
	ctx := context.Background()
	author := models.ChatAuthor{DisplayName: "Rye Drinker"}
	for i := 0; i < 60; i++ {
		if _, err := relay.Post(ctx, "after-dark", author, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("Post returned error: %v", err)
		}
	}

	if got := relay.History("after-dark", 0); len(got) != DefaultServeLimit {
		t.Fatalf("expected zero limit to serve the cap (%d), got %d", DefaultServeLimit, len(got))
	}
	if got := relay.History("after-dark", 500); len(got) != DefaultServeLimit {
		t.Fatalf("expected oversized limit clamped to %d, got %d", DefaultServeLimit, len(got))
	}
	got := relay.History("after-dark", 10)
	if len(got) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(got))
	}
	if got[len(got)-1].Body != "m59" {
		t.Fatalf("expected the most recent messages, last is %q", got[len(got)-1].Body)
	}
}

func TestHistoryFiltersByChannel(t *testing.T) {
	relay := NewRelay()
	ctx := context.Background()
	author := models.ChatAuthor{DisplayName: "Rye Drinker"}
	if _, err := relay.Post(ctx, "after-dark", author, "main"); err != nil {
		t.Fatalf("Post returned error: %v", err)
	}
	if _, err := relay.Post(ctx, "other-show", author, "elsewhere"); err != nil {
		t.Fatalf("Post returned error: %v", err)
	}

	history := relay.History("after-dark", 50)
	if len(history) != 1 || history[0].Body != "main" {
		t.Fatalf("expected only the channel's messages, got %+v", history)
	}
	if got := relay.History("unknown", 50); len(got) != 0 {
		t.Fatalf("expected empty history for unknown channel, got %+v", got)
	}
}

func TestMirrorFoldsRemoteMessages(t *testing.T) {
	queue := NewMemoryQueue(8)
	relay := NewRelay(WithQueue(queue))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- relay.Mirror(ctx) }()

	remote := models.ChatMessage{
		ID:        "12345",
		ChannelID: "after-dark",
		Author:    models.ChatAuthor{DisplayName: "Remote"},
		Body:      "hello from the other node",
		PostedAt:  time.Now().UTC(),
	}
	// The mirror subscribes from its own goroutine, so keep publishing until
	// it sees the message; dedupe by id makes the repeats harmless.
	deadline := time.After(2 * time.Second)
	for {
		if err := queue.Publish(ctx, Event{Type: EventTypeMessage, Message: &remote, OccurredAt: remote.PostedAt}); err != nil {
			t.Fatalf("Publish returned error: %v", err)
		}
		if history := relay.History("after-dark", 50); len(history) >= 1 {
			if history[0].ID != "12345" {
				t.Fatalf("unexpected mirrored message: %+v", history[0])
			}
			if len(history) != 1 {
				t.Fatalf("expected dedupe by id, got %d messages", len(history))
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for mirrored message")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled from Mirror, got %v", err)
	}
}

func TestMirrorWithoutQueueBlocksUntilCancel(t *testing.T) {
	relay := NewRelay()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Mirror(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Mirror did not return after cancel")
	}
}
