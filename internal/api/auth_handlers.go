package api

import (
	"errors"
	"net/http"
	"strings"

	"afterdark-live/internal/models"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type operatorPayload struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

func operatorResponse(operator models.Operator) operatorPayload {
	return operatorPayload{
		ID:          operator.ID,
		Email:       operator.Email,
		DisplayName: operator.DisplayName,
		Role:        string(operator.Role),
	}
}

// Login exchanges email/password credentials for a session cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid login payload"))
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}
	operator, err := h.Directory.Authenticate(req.Email, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	token, expiresAt, err := h.Sessions.Create(operator.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("failed to create session"))
		return
	}
	setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"token":     token,
		"expiresAt": expiresAt,
		"operator":  operatorResponse(operator),
	})
}

// Logout revokes the current session and clears the cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if token := ExtractToken(r); token != "" {
		_ = h.Sessions.Revoke(token)
	}
	clearSessionCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Session reports the operator bound to the current session.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	operator, ok := h.requireOperator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"operator": operatorResponse(operator),
	})
}
