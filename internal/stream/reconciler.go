package stream

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"afterdark-live/internal/models"
)

// DefaultFreshnessWindow bounds how old a manifest's mtime may be before the
// packager behind it is presumed dead. A live packager rewrites its playlist
// every few seconds, so 30s tolerates several missed rewrites.
const DefaultFreshnessWindow = 30 * time.Second

// DefaultReconcileInterval paces the background reconciliation loop.
const DefaultReconcileInterval = 15 * time.Second

// ReconcilerConfig wires a Reconciler to its artifact directory and register.
type ReconcilerConfig struct {
	ChannelID string
	// ArtifactDir is where the media packager writes manifest files.
	ArtifactDir string
	// PublicBaseURL prefixes the manifest file name in the advertised
	// playback URL.
	PublicBaseURL   string
	FreshnessWindow time.Duration
	Interval        time.Duration
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the time source for tests.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithReconcilerLogger attaches a logger for scan diagnostics.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reconciler cross-checks the register's belief against manifest files on
// disk and corrects drift in either direction. Scan failures are treated as
// "no live manifest" and never surface to callers; going dark is the safe
// answer when ground truth is unreadable.
type Reconciler struct {
	cfg      ReconcilerConfig
	register *Register
	now      func() time.Time
	logger   *slog.Logger
	group    singleflight.Group
}

// NewReconciler builds a reconciler for the configured channel.
func NewReconciler(cfg ReconcilerConfig, register *Register, opts ...ReconcilerOption) *Reconciler {
	if cfg.ChannelID == "" {
		cfg.ChannelID = DefaultChannelID
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	reconciler := &Reconciler{
		cfg:      cfg,
		register: register,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(reconciler)
		}
	}
	return reconciler
}

// Reconcile performs one pass: scan the artifact directory, compare against
// the register, and flip it when they disagree. It returns the (possibly
// corrected) status and never an error.
func (r *Reconciler) Reconcile(ctx context.Context) models.StreamStatus {
	manifest, fresh := r.freshestManifest()
	current := r.register.Get(r.cfg.ChannelID)
	switch {
	case fresh && !current.IsLive:
		status := r.register.markLive(r.cfg.ChannelID, r.manifestURL(manifest))
		r.logger.Info("stream reconciled to live", "channel", r.cfg.ChannelID, "manifest", manifest)
		return status
	case !fresh && current.IsLive:
		status := r.register.markOffline(r.cfg.ChannelID)
		r.logger.Info("stream reconciled to offline", "channel", r.cfg.ChannelID)
		return status
	case fresh && current.IsLive:
		// Keep the advertised URL tracking the freshest manifest.
		if url := r.manifestURL(manifest); current.ManifestURL != url && current.SourceKind == models.SourceHLS {
			return r.register.markLive(r.cfg.ChannelID, url)
		}
	}
	return current
}

// Refresh coalesces concurrent lazy reconciliations, so a burst of status
// pollers shares a single directory scan.
func (r *Reconciler) Refresh(ctx context.Context) models.StreamStatus {
	result, _, _ := r.group.Do("reconcile", func() (interface{}, error) {
		return r.Reconcile(ctx), nil
	})
	status, ok := result.(models.StreamStatus)
	if !ok {
		return r.register.Get(r.cfg.ChannelID)
	}
	return status
}

// Run drives the background loop until the context is cancelled. Each tick is
// independent; one failed scan never halts the loop.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// freshestManifest returns the name of the most recently modified manifest in
// the artifact directory and whether its mtime falls inside the freshness
// window. Any I/O failure reads as "nothing fresh".
func (r *Reconciler) freshestManifest() (string, bool) {
	entries, err := os.ReadDir(r.cfg.ArtifactDir)
	if err != nil {
		r.logger.Warn("artifact scan failed", "dir", r.cfg.ArtifactDir, "error", err)
		return "", false
	}
	var (
		freshest time.Time
		name     string
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ManifestSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			r.logger.Warn("artifact stat failed", "file", entry.Name(), "error", err)
			continue
		}
		if info.ModTime().After(freshest) {
			freshest = info.ModTime()
			name = entry.Name()
		}
	}
	if name == "" {
		return "", false
	}
	if r.now().Sub(freshest) > r.cfg.FreshnessWindow {
		return name, false
	}
	return name, true
}

func (r *Reconciler) manifestURL(name string) string {
	base := strings.TrimSuffix(r.cfg.PublicBaseURL, "/")
	return base + "/" + filepath.Base(name)
}
