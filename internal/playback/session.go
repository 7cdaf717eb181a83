// Package playback drives the lifecycle of a single media-rendering session:
// attach, play, recover from transient errors, and tear down exactly once.
// The media engine itself is injected so the state machine can run against
// any adaptive-bitrate client (or a stub in tests).
package playback

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// State names a position in the session lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateAttaching  State = "attaching"
	StatePlaying    State = "playing"
	StateRecovering State = "recovering"
	StateStopped    State = "stopped"
)

// ErrorClass buckets reported stream errors for the recovery policy.
type ErrorClass string

const (
	// ErrorClassNetwork covers segment/manifest fetch failures; recovery
	// re-issues the load without tearing the session down.
	ErrorClassNetwork ErrorClass = "network"
	// ErrorClassMedia covers decode errors; recovery is attempted in
	// place, once.
	ErrorClassMedia ErrorClass = "media"
	// ErrorClassOther is everything else; fatal occurrences destroy the
	// session.
	ErrorClassOther ErrorClass = "other"
)

var (
	// ErrSessionStopped rejects operations on a torn-down session.
	ErrSessionStopped = errors.New("playback session is stopped")
	// ErrNotAttachable rejects Attach with no URL or a non-live stream.
	ErrNotAttachable = errors.New("a manifest URL and a live stream are required")
	// ErrAlreadyAttached rejects Attach while a session is in flight.
	ErrAlreadyAttached = errors.New("playback session already attached")
)

// manifestSuffix mirrors the packager playlist extension; URLs without it are
// handed to the engine as direct media sources.
const manifestSuffix = ".m3u8"

// BufferConfig tunes latency against stall resistance.
type BufferConfig struct {
	BackBuffer          time.Duration
	TargetBuffer        time.Duration
	MaxBuffer           time.Duration
	LiveSyncCount       int
	LiveMaxLatencyCount int
}

// DefaultBufferConfig returns the tuning used by the live page: a short back
// buffer and a tight live-edge sync distance.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		BackBuffer:          30 * time.Second,
		TargetBuffer:        60 * time.Second,
		MaxBuffer:           120 * time.Second,
		LiveSyncCount:       1,
		LiveMaxLatencyCount: 3,
	}
}

func (c BufferConfig) withDefaults() BufferConfig {
	defaults := DefaultBufferConfig()
	if c.BackBuffer <= 0 {
		c.BackBuffer = defaults.BackBuffer
	}
	if c.TargetBuffer <= 0 {
		c.TargetBuffer = defaults.TargetBuffer
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = defaults.MaxBuffer
	}
	if c.LiveSyncCount <= 0 {
		c.LiveSyncCount = defaults.LiveSyncCount
	}
	if c.LiveMaxLatencyCount <= 0 {
		c.LiveMaxLatencyCount = defaults.LiveMaxLatencyCount
	}
	return c
}

// EngineSpec describes the source handed to the engine factory.
type EngineSpec struct {
	URL      string
	Adaptive bool
	Buffers  BufferConfig
}

// Engine is the injected media client backing one attach cycle.
type Engine interface {
	// Play begins rendering. Platform autoplay restrictions may make this
	// fail; that failure is logged, never fatal.
	Play() error
	// StartLoad re-issues the network load after a network-class error.
	StartLoad() error
	// RecoverMedia attempts in-place recovery from a decode error.
	RecoverMedia() error
	// Destroy releases all playback resources. It is called exactly once.
	Destroy()
}

// EngineFactory builds an engine attached to the given source.
type EngineFactory func(spec EngineSpec) (Engine, error)

// Config assembles a Session.
type Config struct {
	NewEngine EngineFactory
	Buffers   BufferConfig
	// OnEnded fires exactly once per terminal transition into Stopped.
	OnEnded func()
	Logger  *slog.Logger
}

// Session is the playback state machine. All methods are safe for concurrent
// use; the underlying engine is only ever touched with the session lock held.
type Session struct {
	mu sync.Mutex

	state       State
	engine      Engine
	factory     EngineFactory
	buffers     BufferConfig
	onEnded     func()
	endedFired  bool
	mediaRetry  bool
	manifestURL string
	logger      *slog.Logger
}

// NewSession constructs an idle session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.NewEngine == nil {
		return nil, errors.New("an engine factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		state:   StateIdle,
		factory: cfg.NewEngine,
		buffers: cfg.Buffers.withDefaults(),
		onEnded: cfg.OnEnded,
		logger:  logger,
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach moves Idle → Attaching by building an engine against the supplied
// source. Manifest URLs get the adaptive client; anything else is played
// directly. Re-attaching a previously stopped session starts a fresh cycle
// and re-arms the ended callback.
func (s *Session) Attach(manifestURL string, isLive bool) error {
	manifestURL = strings.TrimSpace(manifestURL)
	if manifestURL == "" || !isLive {
		return ErrNotAttachable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle, StateStopped:
	default:
		return ErrAlreadyAttached
	}

	engine, err := s.factory(EngineSpec{
		URL:      manifestURL,
		Adaptive: strings.HasSuffix(manifestURL, manifestSuffix),
		Buffers:  s.buffers,
	})
	if err != nil {
		return err
	}
	s.engine = engine
	s.manifestURL = manifestURL
	s.state = StateAttaching
	s.endedFired = false
	s.mediaRetry = false
	return nil
}

// HandleManifestParsed moves Attaching → Playing once the engine reports a
// playable source, attempting autoplay. Autoplay refusal is swallowed.
func (s *Session) HandleManifestParsed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return ErrSessionStopped
	}
	if s.state != StateAttaching {
		return nil
	}
	if err := s.engine.Play(); err != nil {
		s.logger.Debug("autoplay attempt refused", "error", err)
	}
	s.state = StatePlaying
	return nil
}

// HandleError applies the recovery policy to a reported stream error.
// Non-fatal errors are logged and ignored. Errors reported after teardown are
// dropped without re-firing the ended callback.
func (s *Session) HandleError(class ErrorClass, fatal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped || s.state == StateIdle {
		return
	}
	if !fatal {
		s.logger.Debug("non-fatal playback error", "class", string(class))
		return
	}
	switch class {
	case ErrorClassNetwork:
		s.state = StateRecovering
		if err := s.engine.StartLoad(); err != nil {
			s.logger.Warn("network recovery failed", "error", err)
			s.stopLocked()
		}
	case ErrorClassMedia:
		if s.mediaRetry {
			s.logger.Warn("media recovery exhausted")
			s.stopLocked()
			return
		}
		s.mediaRetry = true
		s.state = StateRecovering
		if err := s.engine.RecoverMedia(); err != nil {
			s.logger.Warn("media recovery failed", "error", err)
			s.stopLocked()
		}
	default:
		s.logger.Warn("fatal playback error", "class", string(class))
		s.stopLocked()
	}
}

// HandleRecovered moves Recovering → Playing after a successful reload.
func (s *Session) HandleRecovered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecovering {
		return
	}
	s.state = StatePlaying
}

// UpdateStatus reacts to a fresh liveness poll: an empty manifest URL or a
// stream that went offline tears the session down.
func (s *Session) UpdateStatus(manifestURL string, isLive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || s.state == StateStopped {
		return
	}
	if strings.TrimSpace(manifestURL) == "" || !isLive {
		s.stopLocked()
	}
}

// Stop is the caller-initiated teardown. Stopping twice is harmless.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.stopLocked()
}

// stopLocked releases the engine and fires the ended callback at most once
// per attach cycle. Stopping a session that never attached stays silent.
func (s *Session) stopLocked() {
	attached := s.state != StateIdle
	if s.engine != nil {
		s.engine.Destroy()
		s.engine = nil
	}
	s.manifestURL = ""
	s.state = StateStopped
	if attached && s.onEnded != nil && !s.endedFired {
		s.endedFired = true
		// Release the lock for the callback so it may query the
		// session without deadlocking.
		s.mu.Unlock()
		s.onEnded()
		s.mu.Lock()
	}
}
