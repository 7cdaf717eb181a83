// Package stream holds the per-channel live/offline record and the
// reconciliation loop that keeps it honest against observed packager output.
package stream

import (
	"strings"
	"sync"
	"time"

	"afterdark-live/internal/models"
)

// DefaultChannelID names the single channel the site runs today. The register
// itself is keyed so more channels cost nothing.
const DefaultChannelID = "after-dark"

// RegisterConfig seeds the defaults applied to channels that have never been
// started.
type RegisterConfig struct {
	DefaultTitle       string
	DefaultDescription string
	// PlaybackBaseURL is where rtmp:// sources get their manifest URL
	// rewritten to, e.g. http://localhost:8000/live.
	PlaybackBaseURL string
}

// UpdateFields is a partial update applied by Update. Nil fields are left
// untouched.
type UpdateFields struct {
	Title       *string
	Description *string
	ManifestURL *string
	SourceKind  *models.SourceKind
}

// RegisterOption configures a Register.
type RegisterOption func(*Register)

// WithRegisterClock overrides the time source for tests.
func WithRegisterClock(now func() time.Time) RegisterOption {
	return func(r *Register) {
		if now != nil {
			r.now = now
		}
	}
}

// Register owns one mutable StreamStatus per channel. Concurrent writers to
// the same channel race last-write-wins, which is acceptable for a single
// operator driving a single stream.
type Register struct {
	mu       sync.RWMutex
	cfg      RegisterConfig
	channels map[string]models.StreamStatus
	now      func() time.Time
}

// NewRegister constructs an empty register.
func NewRegister(cfg RegisterConfig, opts ...RegisterOption) *Register {
	if strings.TrimSpace(cfg.DefaultTitle) == "" {
		cfg.DefaultTitle = "AFTER DARK: Uncensored Bourbon Talk"
	}
	register := &Register{
		cfg:      cfg,
		channels: make(map[string]models.StreamStatus),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(register)
		}
	}
	return register
}

// PlaybackBaseURL exposes the configured manifest rewrite base.
func (r *Register) PlaybackBaseURL() string {
	return r.cfg.PlaybackBaseURL
}

// Get returns the current status for the channel, or the default offline
// record if the channel has never been touched.
func (r *Register) Get(channelID string) models.StreamStatus {
	r.mu.RLock()
	status, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return r.defaultStatus(channelID)
	}
	return status
}

// Start flips the channel live. The source URL is classified and, for raw
// broadcast URLs, rewritten into a playable manifest URL. Title and
// description are retained from the previous record when not supplied.
func (r *Register) Start(channelID, sourceURL, title, description string) models.StreamStatus {
	classification := ClassifySource(sourceURL, r.cfg.PlaybackBaseURL)
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.currentLocked(channelID)
	status.IsLive = true
	status.ManifestURL = classification.ManifestURL
	status.SourceKind = classification.Kind
	status.StartedAt = &now
	status.ViewerCount = 0
	if trimmed := strings.TrimSpace(title); trimmed != "" {
		status.Title = trimmed
	}
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		status.Description = trimmed
	}
	status.UpdatedAt = now
	r.channels[channelID] = status
	return status
}

// Stop flips the channel offline, clearing the playback fields while keeping
// title and description for display continuity.
func (r *Register) Stop(channelID string) models.StreamStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.currentLocked(channelID)
	status.IsLive = false
	status.ManifestURL = ""
	status.SourceKind = ""
	status.StartedAt = nil
	status.UpdatedAt = r.now().UTC()
	r.channels[channelID] = status
	return status
}

// Update applies a partial edit without touching liveness.
func (r *Register) Update(channelID string, fields UpdateFields) models.StreamStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.currentLocked(channelID)
	if fields.Title != nil {
		status.Title = strings.TrimSpace(*fields.Title)
	}
	if fields.Description != nil {
		status.Description = strings.TrimSpace(*fields.Description)
	}
	if fields.ManifestURL != nil {
		status.ManifestURL = strings.TrimSpace(*fields.ManifestURL)
	}
	if fields.SourceKind != nil {
		status.SourceKind = *fields.SourceKind
	}
	status.UpdatedAt = r.now().UTC()
	r.channels[channelID] = status
	return status
}

// SetViewerCount overrides the externally-sourced viewer count, clamped to
// zero or above.
func (r *Register) SetViewerCount(channelID string, count int) models.StreamStatus {
	if count < 0 {
		count = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.currentLocked(channelID)
	status.ViewerCount = count
	status.UpdatedAt = r.now().UTC()
	r.channels[channelID] = status
	return status
}

// markLive is the reconciler-facing transition. It preserves startedAt when
// the channel was already live so drift correction does not reset the clock.
func (r *Register) markLive(channelID, manifestURL string) models.StreamStatus {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.currentLocked(channelID)
	if !status.IsLive || status.StartedAt == nil {
		status.StartedAt = &now
	}
	status.IsLive = true
	status.ManifestURL = manifestURL
	status.SourceKind = models.SourceHLS
	status.UpdatedAt = now
	r.channels[channelID] = status
	return status
}

// markOffline is the reconciler-facing transition to offline.
func (r *Register) markOffline(channelID string) models.StreamStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.currentLocked(channelID)
	if !status.IsLive {
		return status
	}
	status.IsLive = false
	status.ManifestURL = ""
	status.SourceKind = ""
	status.StartedAt = nil
	status.UpdatedAt = r.now().UTC()
	r.channels[channelID] = status
	return status
}

func (r *Register) currentLocked(channelID string) models.StreamStatus {
	if status, ok := r.channels[channelID]; ok {
		return status
	}
	return r.defaultStatus(channelID)
}

func (r *Register) defaultStatus(channelID string) models.StreamStatus {
	return models.StreamStatus{
		ChannelID:   channelID,
		IsLive:      false,
		Title:       r.cfg.DefaultTitle,
		Description: r.cfg.DefaultDescription,
	}
}
