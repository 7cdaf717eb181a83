package stream

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"afterdark-live/internal/models"
)

func writeManifest(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes returned error: %v", err)
	}
}

func newTestReconciler(t *testing.T, dir string, now func() time.Time) (*Reconciler, *Register) {
	t.Helper()
	register := NewRegister(RegisterConfig{PlaybackBaseURL: "http://localhost:8000/live"})
	reconciler := NewReconciler(ReconcilerConfig{
		ChannelID:       "after-dark",
		ArtifactDir:     dir,
		PublicBaseURL:   "http://localhost:8000/live",
		FreshnessWindow: 30 * time.Second,
	}, register, WithReconcilerClock(now))
	return reconciler, register
}

func TestReconcileCorrectsOfflineDrift(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeManifest(t, dir, "show.m3u8", now.Add(-5*time.Second))
	reconciler, register := newTestReconciler(t, dir, func() time.Time { return now })

	status := reconciler.Reconcile(context.Background())
	if !status.IsLive {
		t.Fatal("expected fresh manifest to flip register live")
	}
	if status.ManifestURL != "http://localhost:8000/live/show.m3u8" {
		t.Fatalf("unexpected manifest url %q", status.ManifestURL)
	}
	if status.SourceKind != models.SourceHLS {
		t.Fatalf("expected hls source kind, got %s", status.SourceKind)
	}
	if got := register.Get("after-dark"); !got.IsLive {
		t.Fatal("expected register to record the correction")
	}
}

func TestReconcileCorrectsLiveDrift(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeManifest(t, dir, "show.m3u8", now.Add(-2*time.Minute))
	reconciler, register := newTestReconciler(t, dir, func() time.Time { return now })
	register.Start("after-dark", "rtmp://host/live/key", "", "")

	status := reconciler.Reconcile(context.Background())
	if status.IsLive {
		t.Fatal("expected stale manifest to flip register offline")
	}
	if status.ManifestURL != "" || status.StartedAt != nil {
		t.Fatalf("expected playback fields cleared, got %+v", status)
	}
}

func TestReconcileTreatsMissingDirAsOffline(t *testing.T) {
	now := time.Now()
	reconciler, register := newTestReconciler(t, "/nonexistent/artifacts", func() time.Time { return now })
	register.Start("after-dark", "rtmp://host/live/key", "", "")

	status := reconciler.Reconcile(context.Background())
	if status.IsLive {
		t.Fatal("expected unreadable artifact dir to read as offline")
	}
}

func TestReconcilePrefersFreshestManifest(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeManifest(t, dir, "old.m3u8", now.Add(-20*time.Second))
	writeManifest(t, dir, "fresh.m3u8", now.Add(-2*time.Second))
	reconciler, _ := newTestReconciler(t, dir, func() time.Time { return now })

	status := reconciler.Reconcile(context.Background())
	if status.ManifestURL != "http://localhost:8000/live/fresh.m3u8" {
		t.Fatalf("expected freshest manifest to win, got %q", status.ManifestURL)
	}
}

func TestReconcileIgnoresNonManifestFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	if err := os.WriteFile(filepath.Join(dir, "segment-001.ts"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	reconciler, _ := newTestReconciler(t, dir, func() time.Time { return now })

	if status := reconciler.Reconcile(context.Background()); status.IsLive {
		t.Fatal("expected segment-only dir to read as offline")
	}
}

func TestReconcileLeavesOperatorStartIntact(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeManifest(t, dir, "show.m3u8", now.Add(-5*time.Second))
	reconciler, register := newTestReconciler(t, dir, func() time.Time { return now })
	started := register.Start("after-dark", "https://youtu.be/abc123", "", "")

	status := reconciler.Reconcile(context.Background())
	if status.ManifestURL != started.ManifestURL || status.SourceKind != models.SourceExternal {
		t.Fatalf("expected external source to be left alone, got %+v", status)
	}
}

func TestRefreshCoalescesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeManifest(t, dir, "show.m3u8", now.Add(-time.Second))
	reconciler, _ := newTestReconciler(t, dir, func() time.Time { return now })

	const callers = 16
	var wg sync.WaitGroup
	wg.Add(callers)
	results := make(chan models.StreamStatus, callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			results <- reconciler.Refresh(context.Background())
		}()
	}
	wg.Wait()
	close(results)
	for status := range results {
		if !status.IsLive {
			t.Fatal("expected every coalesced caller to see the live status")
		}
	}
}
