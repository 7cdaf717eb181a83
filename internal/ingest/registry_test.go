package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	registry, err := NewRegistry(Config{
		ServerURL:  "rtmp://localhost:1935/live",
		HLSBaseURL: "http://localhost:8000/live",
		Port:       1935,
	}, opts...)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	return registry
}

func TestIssueKeyMintsActiveKey(t *testing.T) {
	registry := newTestRegistry(t)
	key, err := registry.IssueKey("obs-desktop", "host@afterdark.local")
	if err != nil {
		t.Fatalf("IssueKey returned error: %v", err)
	}
	if key.ID == "" || key.Secret == "" {
		t.Fatalf("expected id and secret, got %+v", key)
	}
	if !key.IsActive {
		t.Fatal("expected new key to be active")
	}
	if key.IssuedBy != "host@afterdark.local" {
		t.Fatalf("unexpected issuer %q", key.IssuedBy)
	}
	if key.LastUsedAt != nil {
		t.Fatal("expected fresh key to have no lastUsedAt")
	}
}

func TestIssueKeyValidatesInput(t *testing.T) {
	registry := newTestRegistry(t)
	if _, err := registry.IssueKey("", "someone"); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey for empty name, got %v", err)
	}
	if _, err := registry.IssueKey("obs", "  "); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey for blank issuer, got %v", err)
	}
}

func TestValidatePublishRefreshesLastUsed(t *testing.T) {
	now := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	registry := newTestRegistry(t, WithClock(func() time.Time { return now }))
	key, err := registry.IssueKey("obs-desktop", "host")
	if err != nil {
		t.Fatalf("IssueKey returned error: %v", err)
	}

	now = now.Add(time.Minute)
	if !registry.Validate(key.Secret, ActionPublish) {
		t.Fatal("expected active key to validate")
	}
	stored, err := registry.Get(key.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.LastUsedAt == nil || !stored.LastUsedAt.Equal(now) {
		t.Fatalf("expected lastUsedAt %v, got %v", now, stored.LastUsedAt)
	}
}

func TestValidateNonPublishLeavesLastUsed(t *testing.T) {
	registry := newTestRegistry(t)
	key, err := registry.IssueKey("obs-desktop", "host")
	if err != nil {
		t.Fatalf("IssueKey returned error: %v", err)
	}
	if !registry.Validate(key.Secret, "play") {
		t.Fatal("expected play action to validate")
	}
	stored, err := registry.Get(key.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.LastUsedAt != nil {
		t.Fatalf("expected lastUsedAt untouched, got %v", stored.LastUsedAt)
	}
}

func TestValidateRejectsUnknownAndEmptySecrets(t *testing.T) {
	registry := newTestRegistry(t)
	if registry.Validate("", ActionPublish) {
		t.Fatal("expected empty secret to be rejected")
	}
	if registry.Validate("not-a-real-secret", ActionPublish) {
		t.Fatal("expected unknown secret to be rejected")
	}
}

func TestToggleDisablesValidation(t *testing.T) {
	registry := newTestRegistry(t)
	key, err := registry.IssueKey("obs-desktop", "host")
	if err != nil {
		t.Fatalf("IssueKey returned error: %v", err)
	}

	toggled, err := registry.Toggle(key.ID, "host")
	if err != nil {
		t.Fatalf("Toggle returned error: %v", err)
	}
	if toggled.IsActive {
		t.Fatal("expected toggle to deactivate the key")
	}
	if registry.Validate(key.Secret, ActionPublish) {
		t.Fatal("expected deactivated key to be rejected")
	}

	restored, err := registry.Toggle(key.ID, "host")
	if err != nil {
		t.Fatalf("second Toggle returned error: %v", err)
	}
	if !restored.IsActive {
		t.Fatal("expected second toggle to reactivate")
	}
	if !registry.Validate(key.Secret, ActionPublish) {
		t.Fatal("expected reactivated key to validate again")
	}
}

func TestRevokeRemovesKey(t *testing.T) {
	registry := newTestRegistry(t)
	key, err := registry.IssueKey("obs-desktop", "host")
	if err != nil {
		t.Fatalf("IssueKey returned error: %v", err)
	}
	if err := registry.Revoke(key.ID, "host"); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if registry.Validate(key.Secret, ActionPublish) {
		t.Fatal("expected revoked key to be rejected")
	}
	if err := registry.Revoke(key.ID, "host"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on double revoke, got %v", err)
	}
	if _, err := registry.Get(key.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound from Get, got %v", err)
	}
}

func TestManagementRequiresAuthorization(t *testing.T) {
	registry := newTestRegistry(t, WithAuthorizer(func(actor string) bool {
		return actor == "host"
	}))
	key, err := registry.IssueKey("obs-desktop", "host")
	if err != nil {
		t.Fatalf("IssueKey returned error: %v", err)
	}

	if _, err := registry.IssueKey("rogue", "viewer"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized from IssueKey, got %v", err)
	}
	if _, err := registry.Toggle(key.ID, "viewer"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized from Toggle, got %v", err)
	}
	if err := registry.Revoke(key.ID, "viewer"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized from Revoke, got %v", err)
	}
	// Validation is never authorization-gated.
	if !registry.Validate(key.Secret, ActionPublish) {
		t.Fatal("expected validation to stay open to the media server")
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream_keys.json")
	first := newTestRegistry(t, WithSnapshotPath(path))
	key, err := first.IssueKey("obs-desktop", "host")
	if err != nil {
		t.Fatalf("IssueKey returned error: %v", err)
	}

	second := newTestRegistry(t, WithSnapshotPath(path))
	if !second.Validate(key.Secret, ActionPublish) {
		t.Fatal("expected key to survive restart")
	}
	keys := second.List()
	if len(keys) != 1 || keys[0].ID != key.ID {
		t.Fatalf("expected restored key listing, got %+v", keys)
	}
}

func TestEmptySnapshotFileLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream_keys.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	registry := newTestRegistry(t, WithSnapshotPath(path))
	if got := registry.List(); len(got) != 0 {
		t.Fatalf("expected empty registry, got %+v", got)
	}
}

func TestListOrdersByCreation(t *testing.T) {
	now := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	registry := newTestRegistry(t, WithClock(func() time.Time { return now }))
	first, _ := registry.IssueKey("first", "host")
	now = now.Add(time.Second)
	second, _ := registry.IssueKey("second", "host")

	keys := registry.List()
	if len(keys) != 2 || keys[0].ID != first.ID || keys[1].ID != second.ID {
		t.Fatalf("expected creation order, got %+v", keys)
	}
}
