package api

import (
	"errors"
	"net/http"
	"strings"

	"afterdark-live/internal/auth"
)

type assignRoleRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Roles lists, assigns and removes role grants. Admin-only; the directory
// additionally refuses to touch the primary admin.
func (h *Handler) Roles(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.requirePermission(w, r, auth.PermManageUsers)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"roles":   h.Directory.ListRoles(),
		})
	case http.MethodPost:
		var req assignRoleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid role payload"))
			return
		}
		if strings.TrimSpace(req.Email) == "" {
			writeError(w, http.StatusBadRequest, errors.New("email is required"))
			return
		}
		role := auth.NormalizeRole(req.Role)
		if err := h.Directory.AssignRole(req.Email, role, operator.Email); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"roles":   h.Directory.ListRoles(),
		})
	case http.MethodDelete:
		email := strings.TrimSpace(r.URL.Query().Get("email"))
		if email == "" {
			writeError(w, http.StatusBadRequest, errors.New("email is required"))
			return
		}
		if err := h.Directory.RemoveRole(email, operator.Email); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"roles":   h.Directory.ListRoles(),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}
