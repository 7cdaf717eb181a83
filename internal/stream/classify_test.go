package stream

import (
	"testing"

	"afterdark-live/internal/models"
)

func TestClassifySource(t *testing.T) {
	const base = "http://localhost:8000/live"
	cases := []struct {
		name         string
		source       string
		wantKind     models.SourceKind
		wantManifest string
	}{
		{
			name:         "rtmp url rewritten to manifest",
			source:       "rtmp://ingest.local/live/key123",
			wantKind:     models.SourceRTMP,
			wantManifest: "http://localhost:8000/live/key123.m3u8",
		},
		{
			name:         "rtmp match is substring based",
			source:       "  rtmp://host/app/streamkey  ",
			wantKind:     models.SourceRTMP,
			wantManifest: "http://localhost:8000/live/streamkey.m3u8",
		},
		{
			name:         "manifest url passes through",
			source:       "http://cdn.example/show/index.m3u8",
			wantKind:     models.SourceHLS,
			wantManifest: "http://cdn.example/show/index.m3u8",
		},
		{
			name:         "youtube link is external",
			source:       "https://www.youtube.com/watch?v=abc123",
			wantKind:     models.SourceExternal,
			wantManifest: "https://www.youtube.com/watch?v=abc123",
		},
		{
			name:         "short youtube link is external",
			source:       "https://youtu.be/abc123",
			wantKind:     models.SourceExternal,
			wantManifest: "https://youtu.be/abc123",
		},
		{
			name:         "anything else is other",
			source:       "https://example.com/video.mp4",
			wantKind:     models.SourceOther,
			wantManifest: "https://example.com/video.mp4",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifySource(tc.source, base)
			if got.Kind != tc.wantKind {
				t.Fatalf("expected kind %s, got %s", tc.wantKind, got.Kind)
			}
			if got.ManifestURL != tc.wantManifest {
				t.Fatalf("expected manifest %q, got %q", tc.wantManifest, got.ManifestURL)
			}
		})
	}
}

func TestClassifySourceTrimsBaseSlash(t *testing.T) {
	got := ClassifySource("rtmp://host/live/key", "http://localhost:8000/live/")
	if got.ManifestURL != "http://localhost:8000/live/key.m3u8" {
		t.Fatalf("expected single slash join, got %q", got.ManifestURL)
	}
}
