package api

import (
	"errors"
	"net/http"
	"strings"

	"afterdark-live/internal/ingest"
)

type ingestValidateRequest struct {
	Secret string `json:"secret"`
	Action string `json:"action,omitempty"`
}

// IngestValidate is the callback the media-ingest process hits before it
// accepts a publisher connection. The response deliberately carries only a
// boolean so a probing caller learns nothing about which keys exist.
func (h *Handler) IngestValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req ingestValidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid validation payload"))
		return
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		action = ingest.ActionPublish
	}
	valid := h.Keys.Validate(req.Secret, action)
	h.Metrics.ObserveIngestValidation(action, valid)
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}
