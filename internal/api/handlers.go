package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"afterdark-live/internal/auth"
	"afterdark-live/internal/chat"
	"afterdark-live/internal/ingest"
	"afterdark-live/internal/observability/metrics"
	"afterdark-live/internal/presence"
	"afterdark-live/internal/stream"
)

// Handler bundles the live-page stores behind the HTTP surface.
type Handler struct {
	Presence   *presence.Store
	Streams    *stream.Register
	Reconciler *stream.Reconciler
	Keys       *ingest.Registry
	Relay      *chat.Relay
	Directory  *auth.Directory
	Sessions   *auth.SessionManager
	Metrics    *metrics.Recorder
	ChannelID  string
}

// NewHandler wires a Handler with fallbacks for optional collaborators.
func NewHandler(h Handler) *Handler {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(auth.DefaultSessionTTL)
	}
	if h.Metrics == nil {
		h.Metrics = metrics.Default()
	}
	if h.ChannelID == "" {
		h.ChannelID = stream.DefaultChannelID
	}
	return &h
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError emits the uniform failure envelope.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": err.Error()})
}

// WriteError is the exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

// writeDomainError maps domain sentinels to their HTTP classification.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, presence.ErrInvalidEntry),
		errors.Is(err, chat.ErrInvalidMessage),
		errors.Is(err, ingest.ErrInvalidKey),
		errors.Is(err, auth.ErrInvalidOperator):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ingest.ErrUnauthorized),
		errors.Is(err, auth.ErrNotAdmin),
		errors.Is(err, auth.ErrPrimaryAdmin):
		return http.StatusForbidden
	case errors.Is(err, ingest.ErrNotFound),
		errors.Is(err, auth.ErrOperatorNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrOperatorExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// Health reports liveness plus session store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	payload := map[string]string{"status": "ok"}
	status := http.StatusOK
	if err := h.Sessions.Ping(r.Context()); err != nil {
		payload["status"] = "degraded"
		payload["sessions"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

const sessionCookieName = "afterdark_session"

func setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	if token == "" {
		return
	}
	maxAge := int(time.Until(expires).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteStrictMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteStrictMode,
	})
}

func isSecureRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "https") {
				return true
			}
		}
	}
	return false
}

// ExtractToken pulls the session token from the Authorization header or the
// session cookie.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}
