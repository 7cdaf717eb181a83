package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	token, expiresAt, err := manager.Create("op-123")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if expiresAt.Before(time.Now()) {
		t.Fatal("expected expiry in the future")
	}

	operatorID, ok, err := manager.Validate(token)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !ok || operatorID != "op-123" {
		t.Fatalf("expected op-123, got %q ok=%v", operatorID, ok)
	}

	if err := manager.Revoke(token); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if _, ok, err := manager.Validate(token); err != nil || ok {
		t.Fatalf("expected revoked token invalid, got ok=%v err=%v", ok, err)
	}
}

func TestSessionExpiry(t *testing.T) {
	current := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	manager := NewSessionManager(time.Minute, WithSessionClock(func() time.Time { return current }))
	token, _, err := manager.Create("op-123")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	current = current.Add(61 * time.Second)
	if _, ok, err := manager.Validate(token); err != nil || ok {
		t.Fatalf("expected expired token invalid, got ok=%v err=%v", ok, err)
	}
}

func TestCreateRequiresOperatorID(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	if _, _, err := manager.Create(""); !errors.Is(err, ErrInvalidOperatorID) {
		t.Fatalf("expected ErrInvalidOperatorID, got %v", err)
	}
}

func TestTokensAreHashedInStore(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Minute, WithSessionStore(store))
	token, _, err := manager.Create("op-123")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, ok, _ := store.Get(token); ok {
		t.Fatal("expected the raw token to be absent from the store")
	}
	if _, ok, err := manager.Validate(token); err != nil || !ok {
		t.Fatalf("expected token to validate, got ok=%v err=%v", ok, err)
	}
}

func TestSessionPersistsAcrossManagers(t *testing.T) {
	store := NewMemorySessionStore()
	first := NewSessionManager(time.Minute, WithSessionStore(store))
	token, _, err := first.Create("op-persist")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	second := NewSessionManager(time.Minute, WithSessionStore(store))
	operatorID, ok, err := second.Validate(token)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !ok || operatorID != "op-persist" {
		t.Fatalf("expected session to survive manager restart, got %q ok=%v", operatorID, ok)
	}
}

func TestPurgeExpiredRemovesOldSessions(t *testing.T) {
	current := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Minute, WithSessionStore(store),
		WithSessionClock(func() time.Time { return current }))
	token, _, err := manager.Create("op-123")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if err := manager.PurgeExpired(); err != nil {
		t.Fatalf("PurgeExpired returned error: %v", err)
	}
	if _, ok, _ := manager.Validate(token); ok {
		t.Fatal("expected purged token to be invalid")
	}
}

func TestPingWithoutPingerIsNil(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	if err := manager.Ping(context.Background()); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
}
