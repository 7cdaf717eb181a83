package playback

import (
	"errors"
	"testing"
)

type stubEngine struct {
	playErr      error
	startLoadErr error
	recoverErr   error

	playCalls      int
	startLoadCalls int
	recoverCalls   int
	destroyCalls   int
}

func (e *stubEngine) Play() error         { e.playCalls++; return e.playErr }
func (e *stubEngine) StartLoad() error    { e.startLoadCalls++; return e.startLoadErr }
func (e *stubEngine) RecoverMedia() error { e.recoverCalls++; return e.recoverErr }
func (e *stubEngine) Destroy()            { e.destroyCalls++ }

type sessionFixture struct {
	session *Session
	engine  *stubEngine
	ended   int
	specs   []EngineSpec
}

func newFixture(t *testing.T) *sessionFixture {
	t.Helper()
	fixture := &sessionFixture{engine: &stubEngine{}}
	session, err := NewSession(Config{
		NewEngine: func(spec EngineSpec) (Engine, error) {
			fixture.specs = append(fixture.specs, spec)
			return fixture.engine, nil
		},
		OnEnded: func() { fixture.ended++ },
	})
	if err != nil {
		t.Fatalf("NewSession returned error: %v", err)
	}
	fixture.session = session
	return fixture
}

func (f *sessionFixture) attachAndPlay(t *testing.T) {
	t.Helper()
	if err := f.session.Attach("http://cdn.example/live.m3u8", true); err != nil {
		t.Fatalf("Attach returned error: %v", err)
	}
	if err := f.session.HandleManifestParsed(); err != nil {
		t.Fatalf("HandleManifestParsed returned error: %v", err)
	}
	if got := f.session.State(); got != StatePlaying {
		t.Fatalf("expected playing state, got %s", got)
	}
}

func TestAttachRequiresLiveStream(t *testing.T) {
	fixture := newFixture(t)
	if err := fixture.session.Attach("", true); err != ErrNotAttachable {
		t.Fatalf("expected ErrNotAttachable for empty URL, got %v", err)
	}
	if err := fixture.session.Attach("http://cdn.example/live.m3u8", false); err != ErrNotAttachable {
		t.Fatalf("expected ErrNotAttachable for offline stream, got %v", err)
	}
	if got := fixture.session.State(); got != StateIdle {
		t.Fatalf("expected idle after rejected attaches, got %s", got)
	}
}

func TestAttachChoosesAdaptiveForManifests(t *testing.T) {
	fixture := newFixture(t)
	if err := fixture.session.Attach("http://cdn.example/live.m3u8", true); err != nil {
		t.Fatalf("Attach returned error: %v", err)
	}
	if !fixture.specs[0].Adaptive {
		t.Fatal("expected adaptive engine for manifest URL")
	}
	fixture.session.Stop()

	if err := fixture.session.Attach("https://example.com/clip.mp4", true); err != nil {
		t.Fatalf("re-Attach returned error: %v", err)
	}
	if fixture.specs[1].Adaptive {
		t.Fatal("expected direct engine for non-manifest URL")
	}
}

func TestDoubleAttachRejected(t *testing.T) {
	fixture := newFixture(t)
	fixture.attachAndPlay(t)
	if err := fixture.session.Attach("http://cdn.example/live.m3u8", true); err != ErrAlreadyAttached {
		t.Fatalf("expected ErrAlreadyAttached, got %v", err)
	}
}

func TestAutoplayRefusalIsSwallowed(t *testing.T) {
	fixture := newFixture(t)
	fixture.engine.playErr = errors.New("NotAllowedError")
	fixture.attachAndPlay(t)
	if fixture.engine.playCalls != 1 {
		t.Fatalf("expected one play attempt, got %d", fixture.engine.playCalls)
	}
}

func TestNetworkErrorRecoversInPlace(t *testing.T) {
	fixture := newFixture(t)
	fixture.attachAndPlay(t)

	fixture.session.HandleError(ErrorClassNetwork, true)
	if got := fixture.session.State(); got != StateRecovering {
		t.Fatalf("expected recovering state, got %s", got)
	}
	if fixture.engine.startLoadCalls != 1 {
		t.Fatalf("expected one StartLoad, got %d", fixture.engine.startLoadCalls)
	}

	fixture.session.HandleRecovered()
	if got := fixture.session.State(); got != StatePlaying {
		t.Fatalf("expected playing after recovery, got %s", got)
	}
	if fixture.ended != 0 {
		t.Fatalf("expected no ended callback during recovery, got %d", fixture.ended)
	}
}

func TestMediaErrorRecoversOnce(t *testing.T) {
	fixture := newFixture(t)
	fixture.attachAndPlay(t)

	fixture.session.HandleError(ErrorClassMedia, true)
	if fixture.engine.recoverCalls != 1 {
		t.Fatalf("expected one RecoverMedia, got %d", fixture.engine.recoverCalls)
	}
	fixture.session.HandleRecovered()

	fixture.session.HandleError(ErrorClassMedia, true)
	if got := fixture.session.State(); got != StateStopped {
		t.Fatalf("expected second media error to stop the session, got %s", got)
	}
	if fixture.engine.destroyCalls != 1 {
		t.Fatalf("expected engine destroyed once, got %d", fixture.engine.destroyCalls)
	}
	if fixture.ended != 1 {
		t.Fatalf("expected one ended callback, got %d", fixture.ended)
	}
}

func TestNonFatalErrorsAreIgnored(t *testing.T) {
	fixture := newFixture(t)
	fixture.attachAndPlay(t)
	fixture.session.HandleError(ErrorClassNetwork, false)
	fixture.session.HandleError(ErrorClassMedia, false)
	if got := fixture.session.State(); got != StatePlaying {
		t.Fatalf("expected playing after non-fatal errors, got %s", got)
	}
	if fixture.engine.startLoadCalls+fixture.engine.recoverCalls != 0 {
		t.Fatal("expected no recovery attempts for non-fatal errors")
	}
}

func TestFatalOtherErrorStopsExactlyOnce(t *testing.T) {
	fixture := newFixture(t)
	fixture.attachAndPlay(t)

	fixture.session.HandleError(ErrorClassOther, true)
	if got := fixture.session.State(); got != StateStopped {
		t.Fatalf("expected stopped state, got %s", got)
	}
	if fixture.ended != 1 {
		t.Fatalf("expected one ended callback, got %d", fixture.ended)
	}

	// Errors and stops after teardown must not re-fire the callback.
	fixture.session.HandleError(ErrorClassOther, true)
	fixture.session.Stop()
	if fixture.ended != 1 {
		t.Fatalf("expected ended callback to stay at 1, got %d", fixture.ended)
	}
	if fixture.engine.destroyCalls != 1 {
		t.Fatalf("expected engine destroyed once, got %d", fixture.engine.destroyCalls)
	}
}

func TestReattachRearmsEndedCallback(t *testing.T) {
	fixture := newFixture(t)
	fixture.attachAndPlay(t)
	fixture.session.Stop()
	if fixture.ended != 1 {
		t.Fatalf("expected one ended callback after stop, got %d", fixture.ended)
	}

	fixture.attachAndPlay(t)
	fixture.session.HandleError(ErrorClassOther, true)
	if fixture.ended != 2 {
		t.Fatalf("expected re-armed callback after re-attach, got %d", fixture.ended)
	}
}

func TestUpdateStatusTearsDownOnOffline(t *testing.T) {
	fixture := newFixture(t)
	fixture.attachAndPlay(t)

	fixture.session.UpdateStatus("http://cdn.example/live.m3u8", true)
	if got := fixture.session.State(); got != StatePlaying {
		t.Fatalf("expected live poll to be a no-op, got %s", got)
	}

	fixture.session.UpdateStatus("", false)
	if got := fixture.session.State(); got != StateStopped {
		t.Fatalf("expected offline poll to stop the session, got %s", got)
	}
	if fixture.ended != 1 {
		t.Fatalf("expected one ended callback, got %d", fixture.ended)
	}
}

func TestStopWithoutAttachStaysSilent(t *testing.T) {
	fixture := newFixture(t)
	fixture.session.Stop()
	if fixture.ended != 0 {
		t.Fatalf("expected no ended callback for never-attached session, got %d", fixture.ended)
	}
}

func TestFailedNetworkRecoveryStops(t *testing.T) {
	fixture := newFixture(t)
	fixture.engine.startLoadErr = errors.New("socket closed")
	fixture.attachAndPlay(t)

	fixture.session.HandleError(ErrorClassNetwork, true)
	if got := fixture.session.State(); got != StateStopped {
		t.Fatalf("expected failed recovery to stop the session, got %s", got)
	}
	if fixture.ended != 1 {
		t.Fatalf("expected one ended callback, got %d", fixture.ended)
	}
}

func TestBufferConfigDefaults(t *testing.T) {
	cfg := BufferConfig{}.withDefaults()
	defaults := DefaultBufferConfig()
	if cfg != defaults {
		t.Fatalf("expected zero config to fill defaults, got %+v", cfg)
	}
	custom := BufferConfig{TargetBuffer: defaults.TargetBuffer * 2}.withDefaults()
	if custom.TargetBuffer != defaults.TargetBuffer*2 {
		t.Fatal("expected explicit value to survive")
	}
	if custom.BackBuffer != defaults.BackBuffer {
		t.Fatal("expected unset fields to default")
	}
}
