// Package keyvalue provides the small get/set/delete/scan-with-expiry surface
// the in-memory stores need so they can later be pointed at a shared cache
// without touching call sites.
package keyvalue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry pairs a key with its stored value.
type Entry struct {
	Key   string
	Value []byte
}

// Store abstracts a namespaced key-value cache with per-key expiry. All
// implementations are safe for concurrent use.
type Store interface {
	// Get returns the value for key, reporting whether it existed and was
	// not expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes the value for key. A non-positive ttl stores the value
	// without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Scan returns all live entries whose key starts with prefix, ordered
	// by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	insertSeq uint64
}

// MemoryStore keeps entries in a mutex-guarded map with lazy expiry. It is the
// default backend for single-process deployments; state does not survive a
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	seq     uint64
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source, used by tests to control expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.expired(entry) {
		s.mu.Lock()
		if current, stillThere := s.entries[key]; stillThere && s.expired(current) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	value := append([]byte(nil), entry.value...)
	return value, true, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		stored.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	if existing, ok := s.entries[key]; ok {
		stored.insertSeq = existing.insertSeq
	} else {
		s.seq++
		stored.insertSeq = s.seq
	}
	s.entries[key] = stored
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Scan implements Store. Entries are returned in insertion order so callers
// get deterministic listings.
func (s *MemoryStore) Scan(_ context.Context, prefix string) ([]Entry, error) {
	type ordered struct {
		entry Entry
		seq   uint64
	}
	s.mu.Lock()
	matches := make([]ordered, 0, len(s.entries))
	for key, entry := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if s.expired(entry) {
			delete(s.entries, key)
			continue
		}
		matches = append(matches, ordered{
			entry: Entry{Key: key, Value: append([]byte(nil), entry.value...)},
			seq:   entry.insertSeq,
		})
	}
	s.mu.Unlock()
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })
	result := make([]Entry, len(matches))
	for i, match := range matches {
		result[i] = match.entry
	}
	return result, nil
}

func (s *MemoryStore) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt)
}
