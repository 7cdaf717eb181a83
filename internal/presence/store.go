// Package presence tracks the viewers and chatters currently on the live
// page. Entries are refreshed by client heartbeats and swept once stale; the
// state is ephemeral and a restart intentionally clears it.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"afterdark-live/internal/keyvalue"
	"afterdark-live/internal/models"
)

const (
	// DefaultTimeout is how long an entry survives without a heartbeat.
	// Clients beat every 20s, so one missed beat does not evict them.
	DefaultTimeout = 45 * time.Second
	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 30 * time.Second

	keyPrefix = "presence:"
)

// ErrInvalidEntry rejects heartbeats missing the required identity fields.
var ErrInvalidEntry = errors.New("userId and displayName are required")

// Snapshot is the full presence view returned by every mutation and query.
type Snapshot struct {
	Users  []models.PresenceEntry `json:"users"`
	Counts models.PresenceCounts  `json:"counts"`
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout overrides the staleness timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithSweepInterval overrides the background sweep cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.sweepInterval = interval
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger attaches a logger for sweep diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store owns all presence entries. No other component mutates them directly.
type Store struct {
	kv            keyvalue.Store
	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// NewStore builds a presence store on top of the supplied key-value backend.
// Passing nil uses a fresh in-memory backend.
func NewStore(kv keyvalue.Store, opts ...Option) *Store {
	if kv == nil {
		kv = keyvalue.NewMemoryStore()
	}
	store := &Store{
		kv:            kv,
		timeout:       DefaultTimeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Heartbeat upserts the entry for userID with a refreshed lastSeenAt and
// returns the resulting snapshot. The joinedAt of an existing entry is
// preserved so listing order stays stable across refreshes.
func (s *Store) Heartbeat(ctx context.Context, userID, displayName, avatarRef, status string) (Snapshot, error) {
	userID = strings.TrimSpace(userID)
	displayName = strings.TrimSpace(displayName)
	if userID == "" || displayName == "" {
		return Snapshot{}, ErrInvalidEntry
	}
	now := s.now().UTC()
	entry := models.PresenceEntry{
		UserID:      userID,
		DisplayName: displayName,
		AvatarRef:   strings.TrimSpace(avatarRef),
		Status:      models.NormalizePresenceStatus(status),
		JoinedAt:    now,
		LastSeenAt:  now,
	}
	if existing, ok, err := s.load(ctx, userID); err != nil {
		return Snapshot{}, err
	} else if ok {
		entry.JoinedAt = existing.JoinedAt
	}
	if err := s.save(ctx, entry); err != nil {
		return Snapshot{}, err
	}
	return s.List(ctx)
}

// Remove deletes the entry for userID if present. Removing an absent user is
// a no-op, not an error.
func (s *Store) Remove(ctx context.Context, userID string) (Snapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID != "" {
		if err := s.kv.Delete(ctx, keyPrefix+userID); err != nil {
			return Snapshot{}, fmt.Errorf("remove presence entry: %w", err)
		}
	}
	return s.List(ctx)
}

// List returns all current entries ordered by join time plus the per-status
// counts.
func (s *Store) List(ctx context.Context) (Snapshot, error) {
	raw, err := s.kv.Scan(ctx, keyPrefix)
	if err != nil {
		return Snapshot{}, fmt.Errorf("scan presence entries: %w", err)
	}
	users := make([]models.PresenceEntry, 0, len(raw))
	for _, item := range raw {
		var entry models.PresenceEntry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			s.logger.Warn("dropping undecodable presence entry", "key", item.Key, "error", err)
			continue
		}
		users = append(users, entry)
	}
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].UserID < users[j].UserID
		}
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})
	snapshot := Snapshot{Users: users}
	for _, entry := range users {
		snapshot.Counts.Total++
		switch entry.Status {
		case models.PresenceWatching:
			snapshot.Counts.Watching++
		default:
			snapshot.Counts.Chatting++
		}
	}
	return snapshot, nil
}

// Sweep evicts every entry whose last heartbeat is older than the timeout and
// reports how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	raw, err := s.kv.Scan(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("scan presence entries: %w", err)
	}
	cutoff := s.now().UTC().Add(-s.timeout)
	removed := 0
	for _, item := range raw {
		var entry models.PresenceEntry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			// An undecodable entry can never refresh itself, so
			// evict it too.
			if err := s.kv.Delete(ctx, item.Key); err == nil {
				removed++
			}
			continue
		}
		if entry.LastSeenAt.Before(cutoff) {
			if err := s.kv.Delete(ctx, item.Key); err != nil {
				return removed, fmt.Errorf("evict presence entry: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

// Run drives the sweep loop until the context is cancelled. A failing tick is
// logged and does not stop future ticks.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("presence sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Debug("presence sweep evicted entries", "removed", removed)
			}
		}
	}
}

func (s *Store) load(ctx context.Context, userID string) (models.PresenceEntry, bool, error) {
	value, ok, err := s.kv.Get(ctx, keyPrefix+userID)
	if err != nil {
		return models.PresenceEntry{}, false, fmt.Errorf("load presence entry: %w", err)
	}
	if !ok {
		return models.PresenceEntry{}, false, nil
	}
	var entry models.PresenceEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return models.PresenceEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *Store) save(ctx context.Context, entry models.PresenceEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode presence entry: %w", err)
	}
	// The TTL is a backstop for external backends; the sweep remains the
	// authoritative evictor.
	if err := s.kv.Set(ctx, keyPrefix+entry.UserID, payload, 2*s.timeout); err != nil {
		return fmt.Errorf("store presence entry: %w", err)
	}
	return nil
}
