package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"afterdark-live/internal/auth"
	"afterdark-live/internal/models"
	"afterdark-live/internal/observability/logging"
	"afterdark-live/internal/stream"
)

type streamControlRequest struct {
	Action      string `json:"action"`
	SourceURL   string `json:"sourceUrl,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type viewerCountRequest struct {
	ViewerCount int `json:"viewerCount"`
}

// Stream serves the channel status. GET triggers a lazy reconcile pass; POST
// is operator-gated stream control; PATCH overrides the viewer count.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.streamStatus(w, r)
	case http.MethodPost:
		h.streamControl(w, r)
	case http.MethodPatch:
		h.streamViewerCount(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (h *Handler) streamStatus(w http.ResponseWriter, r *http.Request) {
	var status models.StreamStatus
	if h.Reconciler != nil {
		status = h.Reconciler.Refresh(r.Context())
	} else {
		status = h.Streams.Get(h.ChannelID)
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) streamControl(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.requirePermission(w, r, auth.PermManageStream)
	if !ok {
		return
	}
	var req streamControlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid stream control payload"))
		return
	}
	action := strings.ToLower(strings.TrimSpace(req.Action))
	var status models.StreamStatus
	switch action {
	case "start":
		if strings.TrimSpace(req.SourceURL) == "" {
			writeError(w, http.StatusBadRequest, errors.New("sourceUrl is required to start"))
			return
		}
		status = h.Streams.Start(h.ChannelID, req.SourceURL, req.Title, req.Description)
		h.Metrics.StreamLive()
	case "stop":
		status = h.Streams.Stop(h.ChannelID)
		h.Metrics.StreamOffline()
	case "update":
		fields := stream.UpdateFields{}
		if req.Title != "" {
			fields.Title = &req.Title
		}
		if req.Description != "" {
			fields.Description = &req.Description
		}
		if req.SourceURL != "" {
			classified := stream.ClassifySource(req.SourceURL, h.Streams.PlaybackBaseURL())
			fields.ManifestURL = &classified.ManifestURL
			fields.SourceKind = &classified.Kind
		}
		status = h.Streams.Update(h.ChannelID, fields)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %q", req.Action))
		return
	}
	h.Metrics.ObserveStreamEvent(action)
	logger := logging.LoggerFromContext(r.Context())
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("stream control applied",
		"action", action,
		"channel_id", h.ChannelID,
		"operator", operator.Email,
	)
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) streamViewerCount(w http.ResponseWriter, r *http.Request) {
	var req viewerCountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid viewer count payload"))
		return
	}
	status := h.Streams.SetViewerCount(h.ChannelID, req.ViewerCount)
	writeJSON(w, http.StatusOK, status)
}
