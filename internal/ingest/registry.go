// Package ingest guards the publish path: it owns the issued stream keys and
// answers the media server's "may this credential broadcast" question.
package ingest

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"afterdark-live/internal/models"
)

// ActionPublish is the ingest action that marks a key as used. Other actions
// (play, stop, unpublish) validate without touching lastUsedAt.
const ActionPublish = "publish"

var (
	// ErrNotFound signals a management operation on an unknown key id.
	ErrNotFound = errors.New("stream key not found")
	// ErrUnauthorized signals that the acting user may not manage keys.
	ErrUnauthorized = errors.New("not authorized to manage stream keys")
	// ErrInvalidKey rejects key creation with missing fields.
	ErrInvalidKey = errors.New("name and issuedBy are required")
)

// AuthorizeFunc reports whether the named actor may perform key management.
// Role resolution lives with the identity layer, not here.
type AuthorizeFunc func(actor string) bool

// Config is the connection information publishers need, served alongside key
// listings.
type Config struct {
	ServerURL  string `json:"serverUrl"`
	HLSBaseURL string `json:"hlsUrl"`
	Port       int    `json:"port"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithSnapshotPath persists the registry to a JSON file so issued keys
// survive restarts. Without it the registry is memory-only.
func WithSnapshotPath(path string) Option {
	return func(r *Registry) {
		r.filePath = strings.TrimSpace(path)
	}
}

// WithAuthorizer installs the management authorization check.
func WithAuthorizer(authorize AuthorizeFunc) Option {
	return func(r *Registry) {
		if authorize != nil {
			r.authorize = authorize
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry owns all issued stream keys. Validation is read-mostly and safe to
// call at high frequency; management operations are rare.
type Registry struct {
	mu        sync.RWMutex
	cfg       Config
	filePath  string
	keys      map[string]models.StreamKey
	authorize AuthorizeFunc
	now       func() time.Time
}

// NewRegistry constructs a key registry, loading a prior snapshot when one is
// configured.
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	registry := &Registry{
		cfg:       cfg,
		keys:      make(map[string]models.StreamKey),
		authorize: func(string) bool { return true },
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	if err := registry.load(); err != nil {
		return nil, err
	}
	return registry, nil
}

// Config returns the publisher connection block.
func (r *Registry) Config() Config {
	return r.cfg
}

// IssueKey mints a new active key with a fresh high-entropy secret.
func (r *Registry) IssueKey(name, issuedBy string) (models.StreamKey, error) {
	name = strings.TrimSpace(name)
	issuedBy = strings.TrimSpace(issuedBy)
	if name == "" || issuedBy == "" {
		return models.StreamKey{}, ErrInvalidKey
	}
	if !r.authorize(issuedBy) {
		return models.StreamKey{}, ErrUnauthorized
	}
	id, err := generateID()
	if err != nil {
		return models.StreamKey{}, err
	}
	secret, err := generateSecret()
	if err != nil {
		return models.StreamKey{}, err
	}
	key := models.StreamKey{
		ID:        id,
		Secret:    secret,
		Name:      name,
		IsActive:  true,
		IssuedBy:  issuedBy,
		CreatedAt: r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key.ID] = key
	if err := r.persistLocked(); err != nil {
		delete(r.keys, key.ID)
		return models.StreamKey{}, err
	}
	return key, nil
}

// Validate answers the ingest callback. It reports only a boolean so a failed
// lookup leaks nothing about which keys exist. A successful publish refreshes
// lastUsedAt; other actions leave the record untouched.
func (r *Registry) Validate(secret, action string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, key := range r.keys {
		if subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) != 1 {
			continue
		}
		if !key.IsActive {
			return false
		}
		if strings.EqualFold(strings.TrimSpace(action), ActionPublish) {
			previous := key
			used := r.now().UTC()
			key.LastUsedAt = &used
			r.keys[id] = key
			if err := r.persistLocked(); err != nil {
				// The credential itself checked out; a failed
				// timestamp write must not reject the publish.
				r.keys[id] = previous
			}
		}
		return true
	}
	return false
}

// Toggle flips the active flag on a key.
func (r *Registry) Toggle(keyID, actingUser string) (models.StreamKey, error) {
	if !r.authorize(strings.TrimSpace(actingUser)) {
		return models.StreamKey{}, ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[keyID]
	if !ok {
		return models.StreamKey{}, ErrNotFound
	}
	key.IsActive = !key.IsActive
	previous := r.keys[keyID]
	r.keys[keyID] = key
	if err := r.persistLocked(); err != nil {
		r.keys[keyID] = previous
		return models.StreamKey{}, err
	}
	return key, nil
}

// Revoke deletes a key outright.
func (r *Registry) Revoke(keyID, actingUser string) error {
	if !r.authorize(strings.TrimSpace(actingUser)) {
		return ErrUnauthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	delete(r.keys, keyID)
	if err := r.persistLocked(); err != nil {
		r.keys[keyID] = key
		return err
	}
	return nil
}

// List returns all issued keys ordered by creation time.
func (r *Registry) List() []models.StreamKey {
	r.mu.RLock()
	keys := make([]models.StreamKey, 0, len(r.keys))
	for _, key := range r.keys {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys
}

// Get returns a key by id for management surfaces.
func (r *Registry) Get(keyID string) (models.StreamKey, error) {
	r.mu.RLock()
	key, ok := r.keys[keyID]
	r.mu.RUnlock()
	if !ok {
		return models.StreamKey{}, ErrNotFound
	}
	return key, nil
}

func (r *Registry) load() error {
	if r.filePath == "" {
		return nil
	}
	file, err := os.Open(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open key snapshot: %w", err)
	}
	defer file.Close()

	var keys []models.StreamKey
	if err := json.NewDecoder(file).Decode(&keys); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode key snapshot: %w", err)
	}
	for _, key := range keys {
		if key.ID == "" || key.Secret == "" {
			continue
		}
		r.keys[key.ID] = key
	}
	return nil
}

func (r *Registry) persistLocked() error {
	if r.filePath == "" {
		return nil
	}
	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "keys-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	keys := make([]models.StreamKey, 0, len(r.keys))
	for _, key := range r.keys {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(keys); err != nil {
		return fmt.Errorf("encode key snapshot: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush key snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		return fmt.Errorf("replace key snapshot: %w", err)
	}
	success = true
	return nil
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func generateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate key secret: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
