package api

import (
	"context"
	"errors"
	"net/http"

	"afterdark-live/internal/models"
)

type contextKey string

const operatorContextKey contextKey = "afterdark.operator"

// ContextWithOperator stores the authenticated operator on the context.
func ContextWithOperator(ctx context.Context, operator models.Operator) context.Context {
	return context.WithValue(ctx, operatorContextKey, operator)
}

// OperatorFromContext retrieves the authenticated operator, if any.
func OperatorFromContext(ctx context.Context) (models.Operator, bool) {
	operator, ok := ctx.Value(operatorContextKey).(models.Operator)
	return operator, ok
}

// AuthenticateRequest resolves the session token on the request to an
// operator. A missing or expired token yields ok=false without error.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.Operator, bool, error) {
	token := ExtractToken(r)
	if token == "" {
		return models.Operator{}, false, nil
	}
	operatorID, ok, err := h.Sessions.Validate(token)
	if err != nil {
		return models.Operator{}, false, err
	}
	if !ok {
		return models.Operator{}, false, nil
	}
	operator, ok := h.Directory.OperatorByID(operatorID)
	if !ok {
		return models.Operator{}, false, nil
	}
	return operator, true, nil
}

func (h *Handler) requireOperator(w http.ResponseWriter, r *http.Request) (models.Operator, bool) {
	if operator, ok := OperatorFromContext(r.Context()); ok {
		return operator, true
	}
	operator, ok, err := h.AuthenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("failed to validate session"))
		return models.Operator{}, false
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return models.Operator{}, false
	}
	return operator, true
}

func (h *Handler) requirePermission(w http.ResponseWriter, r *http.Request, perm string) (models.Operator, bool) {
	operator, ok := h.requireOperator(w, r)
	if !ok {
		return models.Operator{}, false
	}
	if !h.Directory.HasPermission(operator.Email, perm) {
		writeError(w, http.StatusForbidden, errors.New("insufficient role"))
		return models.Operator{}, false
	}
	return operator, true
}
