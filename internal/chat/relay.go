// Package chat relays bounded, ephemeral chat traffic for the live page.
// Messages live in process memory behind a retention cap; durability is
// explicitly not a goal here.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"afterdark-live/internal/models"
)

const (
	// DefaultRetention is how many messages the relay keeps in total.
	DefaultRetention = 100
	// DefaultServeLimit caps a single history response.
	DefaultServeLimit = 50
	// MaxBodyLength bounds an individual message body.
	MaxBodyLength = 500
)

// ErrInvalidMessage rejects posts with an empty body or missing author.
var ErrInvalidMessage = errors.New("author and a non-empty body are required")

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRetention overrides the global retention cap.
func WithRetention(capacity int) RelayOption {
	return func(r *Relay) {
		if capacity > 0 {
			r.retention = capacity
		}
	}
}

// WithServeLimit overrides the default history serving limit.
func WithServeLimit(limit int) RelayOption {
	return func(r *Relay) {
		if limit > 0 {
			r.serveLimit = limit
		}
	}
}

// WithQueue mirrors posted messages onto a fan-out queue so other relay
// instances can pick them up.
func WithQueue(queue Queue) RelayOption {
	return func(r *Relay) {
		r.queue = queue
	}
}

// WithRelayClock overrides the time source for tests.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRelayLogger attaches a logger for mirror diagnostics.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Relay owns the message buffer. The buffer is a single FIFO across all
// channels; once it exceeds the retention cap the oldest messages are evicted
// regardless of channel.
type Relay struct {
	mu         sync.RWMutex
	messages   []models.ChatMessage
	retention  int
	serveLimit int
	lastID     int64
	queue      Queue
	now        func() time.Time
	logger     *slog.Logger
}

// NewRelay constructs an empty relay.
func NewRelay(opts ...RelayOption) *Relay {
	relay := &Relay{
		retention:  DefaultRetention,
		serveLimit: DefaultServeLimit,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}
	return relay
}

// Post validates and appends a message, evicting the oldest entries once the
// retention cap is exceeded. Caller identity is trusted as supplied.
func (r *Relay) Post(ctx context.Context, channelID string, author models.ChatAuthor, body string) (models.ChatMessage, error) {
	body = strings.TrimSpace(body)
	author.DisplayName = strings.TrimSpace(author.DisplayName)
	if body == "" || author.DisplayName == "" {
		return models.ChatMessage{}, ErrInvalidMessage
	}
	if len(body) > MaxBodyLength {
		body = truncateBody(body, MaxBodyLength)
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return models.ChatMessage{}, ErrInvalidMessage
	}
	postedAt := r.now().UTC()
	message := models.ChatMessage{
		ChannelID: channelID,
		Author:    author,
		Body:      body,
		PostedAt:  postedAt,
	}

	r.mu.Lock()
	message.ID = r.nextIDLocked(postedAt)
	r.appendLocked(message)
	r.mu.Unlock()

	if r.queue != nil {
		event := Event{Type: EventTypeMessage, Message: &message, OccurredAt: postedAt}
		if err := r.queue.Publish(ctx, event); err != nil {
			r.logger.Warn("chat queue publish failed", "error", err)
		}
	}
	return message, nil
}

// History returns the most recent messages for the channel, oldest first. The
// limit is clamped to the serving cap; zero means "serve the cap".
func (r *Relay) History(channelID string, limit int) []models.ChatMessage {
	if limit <= 0 || limit > r.serveLimit {
		limit = r.serveLimit
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := make([]models.ChatMessage, 0, limit)
	for _, message := range r.messages {
		if message.ChannelID == channelID {
			matched = append(matched, message)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	result := make([]models.ChatMessage, len(matched))
	copy(result, matched)
	return result
}

// Mirror consumes the queue subscription and folds remote messages into the
// local buffer. It blocks until the context is cancelled; run it from a
// goroutine. Messages this relay posted itself are skipped by id.
func (r *Relay) Mirror(ctx context.Context) error {
	if r.queue == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	sub := r.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if event.Type != EventTypeMessage || event.Message == nil {
				continue
			}
			r.apply(*event.Message)
		}
	}
}

func (r *Relay) apply(message models.ChatMessage) {
	if message.ID == "" || message.ChannelID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.messages {
		if existing.ID == message.ID {
			return
		}
	}
	r.appendLocked(message)
}

func (r *Relay) appendLocked(message models.ChatMessage) {
	r.messages = append(r.messages, message)
	if overflow := len(r.messages) - r.retention; overflow > 0 {
		r.messages = append(r.messages[:0:0], r.messages[overflow:]...)
	}
}

// truncateBody cuts the body to at most max bytes without splitting a
// multi-byte rune, so stored messages stay valid UTF-8.
func truncateBody(body string, max int) string {
	if len(body) <= max {
		return body
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}

// nextIDLocked issues a time-ordered id that stays strictly increasing even
// when two posts land in the same nanosecond.
func (r *Relay) nextIDLocked(postedAt time.Time) string {
	id := postedAt.UnixNano()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	r.lastID = id
	return strconv.FormatInt(id, 10)
}
