package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// SessionStore defines the persistence contract for session tokens. Tokens
// are stored hashed; a leaked store never yields usable credentials.
type SessionStore interface {
	Save(tokenHash, operatorID string, expiresAt time.Time) error
	Get(tokenHash string) (SessionRecord, bool, error)
	Delete(tokenHash string) error
	PurgeExpired(now time.Time) error
}

// SessionRecord is a session row retrieved from the backing store.
type SessionRecord struct {
	TokenHash  string
	OperatorID string
	ExpiresAt  time.Time
}

// ErrInvalidOperatorID is returned when creating a session without a subject.
var ErrInvalidOperatorID = errors.New("operator id is required")

// DefaultSessionTTL is the session lifetime used when no TTL is configured.
const DefaultSessionTTL = 7 * 24 * time.Hour

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionStore injects a custom SessionStore implementation.
func WithSessionStore(store SessionStore) SessionOption {
	return func(m *SessionManager) {
		if store != nil {
			m.store = store
		}
	}
}

// WithTokenLength sets the raw token length in bytes.
func WithTokenLength(length int) SessionOption {
	return func(m *SessionManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithSessionClock overrides the time source for tests.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// SessionManager issues and validates opaque bearer tokens against a backing
// store. It defaults to a 7-day TTL and an in-memory store.
type SessionManager struct {
	store       SessionStore
	ttl         time.Duration
	tokenLength int
	now         func() time.Time
}

// NewSessionManager constructs a SessionManager with the provided TTL.
func NewSessionManager(ttl time.Duration, opts ...SessionOption) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	manager := &SessionManager{
		ttl:         ttl,
		tokenLength: 32,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemorySessionStore()
	}
	return manager
}

// Create issues a new session token for the operator. The raw token is
// returned to the caller once and only its hash is stored.
func (m *SessionManager) Create(operatorID string) (string, time.Time, error) {
	if operatorID == "" {
		return "", time.Time{}, ErrInvalidOperatorID
	}
	token, err := generateToken(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := m.now().Add(m.ttl).UTC()
	if err := m.store.Save(hashSessionToken(token), operatorID, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate resolves a raw token to its operator when the session is current.
func (m *SessionManager) Validate(token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	hashed := hashSessionToken(token)
	record, ok, err := m.store.Get(hashed)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	if m.now().After(record.ExpiresAt) {
		_ = m.store.Delete(hashed)
		return "", false, nil
	}
	return record.OperatorID, true, nil
}

// Revoke deletes the session for the raw token.
func (m *SessionManager) Revoke(token string) error {
	if token == "" {
		return nil
	}
	return m.store.Delete(hashSessionToken(token))
}

// PurgeExpired removes expired sessions from the backing store.
func (m *SessionManager) PurgeExpired() error {
	return m.store.PurgeExpired(m.now())
}

// Ping verifies the underlying store is reachable when it exposes a ping.
func (m *SessionManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func hashSessionToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
