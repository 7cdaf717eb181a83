package stream

import (
	"strings"

	"afterdark-live/internal/models"
)

// ManifestSuffix is the playlist extension written by the packager.
const ManifestSuffix = ".m3u8"

// Classification is the result of inspecting a source URL.
type Classification struct {
	Kind        models.SourceKind
	ManifestURL string
}

// ClassifySource decides how a supplied source URL should be played back.
// Matching is deliberately substring-based; callers depend on the leniency,
// so nothing here validates that the result is reachable.
//
// A raw rtmp:// URL is rewritten to a playable manifest URL by taking its
// trailing path segment (the stream key) and joining it onto the configured
// playback base. Everything else passes through unchanged.
func ClassifySource(sourceURL, playbackBaseURL string) Classification {
	trimmed := strings.TrimSpace(sourceURL)
	switch {
	case strings.Contains(trimmed, "rtmp://"):
		segments := strings.Split(trimmed, "/")
		key := segments[len(segments)-1]
		return Classification{
			Kind:        models.SourceRTMP,
			ManifestURL: strings.TrimSuffix(playbackBaseURL, "/") + "/" + key + ManifestSuffix,
		}
	case strings.HasSuffix(trimmed, ManifestSuffix):
		return Classification{Kind: models.SourceHLS, ManifestURL: trimmed}
	case strings.Contains(trimmed, "youtube.com"), strings.Contains(trimmed, "youtu.be"):
		return Classification{Kind: models.SourceExternal, ManifestURL: trimmed}
	default:
		return Classification{Kind: models.SourceOther, ManifestURL: trimmed}
	}
}
