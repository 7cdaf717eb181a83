package api

import (
	"errors"
	"net/http"
	"strings"

	"afterdark-live/internal/auth"
	"afterdark-live/internal/models"
)

type createKeyRequest struct {
	Name string `json:"name"`
}

type toggleKeyRequest struct {
	KeyID string `json:"keyId"`
}

// StreamKeys manages the ingest credential registry. All verbs are
// operator-gated; the listing also carries the ingest endpoint config so the
// admin page can render publish instructions.
func (h *Handler) StreamKeys(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.requirePermission(w, r, auth.PermManageStream)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.listStreamKeys(w)
	case http.MethodPost:
		h.createStreamKey(w, r, operator)
	case http.MethodDelete:
		h.deleteStreamKey(w, r, operator)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// StreamKeyToggle flips a key between active and revoked-but-retained.
func (h *Handler) StreamKeyToggle(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.requirePermission(w, r, auth.PermManageStream)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req toggleKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid toggle payload"))
		return
	}
	key, err := h.Keys.Toggle(strings.TrimSpace(req.KeyID), operator.Email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "key": key})
}

func (h *Handler) listStreamKeys(w http.ResponseWriter) {
	keys := h.Keys.List()
	if keys == nil {
		keys = []models.StreamKey{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"keys":    keys,
		"config":  h.Keys.Config(),
	})
}

func (h *Handler) createStreamKey(w http.ResponseWriter, r *http.Request, operator models.Operator) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid key payload"))
		return
	}
	key, err := h.Keys.IssueKey(req.Name, operator.Email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "key": key})
}

func (h *Handler) deleteStreamKey(w http.ResponseWriter, r *http.Request, operator models.Operator) {
	keyID := strings.TrimSpace(r.URL.Query().Get("keyId"))
	if keyID == "" {
		writeError(w, http.StatusBadRequest, errors.New("keyId is required"))
		return
	}
	if err := h.Keys.Revoke(keyID, operator.Email); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
