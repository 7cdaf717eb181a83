package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"afterdark-live/internal/models"
)

type chatPostRequest struct {
	ChannelID string            `json:"channelId,omitempty"`
	Author    models.ChatAuthor `json:"author"`
	Body      string            `json:"body"`
}

// Chat serves channel history on GET and appends a message on POST. Author
// identity is trusted as supplied; gating the page is the auth layer's job.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.chatHistory(w, r)
	case http.MethodPost:
		h.chatPost(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (h *Handler) chatHistory(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimSpace(r.URL.Query().Get("channelId"))
	if channelID == "" {
		channelID = h.ChannelID
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	messages := h.Relay.History(channelID, limit)
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": messages,
	})
}

func (h *Handler) chatPost(w http.ResponseWriter, r *http.Request) {
	var req chatPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid chat payload"))
		return
	}
	channelID := strings.TrimSpace(req.ChannelID)
	if channelID == "" {
		channelID = h.ChannelID
	}
	message, err := h.Relay.Post(r.Context(), channelID, req.Author, req.Body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.Metrics.ObserveChatMessage()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": message,
	})
}
