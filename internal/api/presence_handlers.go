package api

import (
	"errors"
	"net/http"
	"strings"

	"afterdark-live/internal/models"
	"afterdark-live/internal/presence"
)

type heartbeatRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Status      string `json:"status,omitempty"`
}

func presenceResponse(snapshot presence.Snapshot) map[string]interface{} {
	users := snapshot.Users
	if users == nil {
		users = []models.PresenceEntry{}
	}
	return map[string]interface{}{
		"success": true,
		"users":   users,
		"counts":  snapshot.Counts,
	}
}

// PresenceHeartbeat upserts a viewer presence entry and returns the refreshed
// snapshot.
func (h *Handler) PresenceHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid heartbeat payload"))
		return
	}
	snapshot, err := h.Presence.Heartbeat(r.Context(), req.UserID, req.DisplayName, req.AvatarRef, req.Status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Metrics.SetPresence(snapshot.Counts.Total)
	writeJSON(w, http.StatusOK, presenceResponse(snapshot))
}

// PresenceList serves the current snapshot; DELETE with ?userId= removes an
// entry first and returns the refreshed snapshot. Removal is idempotent.
func (h *Handler) PresenceList(w http.ResponseWriter, r *http.Request) {
	var (
		snapshot presence.Snapshot
		err      error
	)
	switch r.Method {
	case http.MethodGet:
		snapshot, err = h.Presence.List(r.Context())
	case http.MethodDelete:
		userID := strings.TrimSpace(r.URL.Query().Get("userId"))
		if userID == "" {
			writeError(w, http.StatusBadRequest, errors.New("userId is required"))
			return
		}
		snapshot, err = h.Presence.Remove(r.Context(), userID)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("failed to read presence"))
		return
	}
	h.Metrics.SetPresence(snapshot.Counts.Total)
	writeJSON(w, http.StatusOK, presenceResponse(snapshot))
}
