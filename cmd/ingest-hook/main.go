// Command ingest-hook sits between the RTMP media server and the live API.
// The media server calls it before accepting a publisher; the hook forwards
// the stream key to the API's validation endpoint and rejects the publish on
// anything short of an explicit "valid". Unreachable API, timeout, malformed
// response: all reject. A broadcast credential check never fails open.
package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"afterdark-live/internal/ingest"
	"afterdark-live/internal/observability/logging"
	"afterdark-live/internal/observability/metrics"
	"afterdark-live/internal/serverutil"
)

const (
	defaultBind       = ":1985"
	defaultValidate   = "http://localhost:8080/api/ingest/validate"
	validationTimeout = 5 * time.Second
)

type hook struct {
	validateURL string
	token       string
	client      *http.Client
	logger      *slog.Logger
	metrics     *metrics.Recorder

	mu          sync.Mutex
	lastErr     error
	lastErrTime time.Time
	lastSuccess time.Time
}

// publishEvent is the subset of the media server's hook payload the gate
// needs. SRS-style servers put the stream key in the stream field.
type publishEvent struct {
	Action string `json:"action"`
	App    string `json:"app"`
	Stream string `json:"stream"`
	Param  string `json:"param"`
}

func main() {
	bind := envOrDefault("AFTERDARK_HOOK_BIND", defaultBind)
	logger := logging.WithComponent(logging.Init(logging.Config{Format: string(logging.FormatJSON)}), "ingest-hook")
	recorder := metrics.Default()

	validateURL := envOrDefault("AFTERDARK_HOOK_VALIDATE_URL", defaultValidate)
	if _, err := url.ParseRequestURI(validateURL); err != nil {
		logger.Error("invalid validation URL", "error", err)
		os.Exit(1)
	}

	h := &hook{
		validateURL: validateURL,
		token:       strings.TrimSpace(os.Getenv("AFTERDARK_HOOK_TOKEN")),
		client:      &http.Client{Timeout: validationTimeout},
		logger:      logger,
		metrics:     recorder,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", h.healthz)
	mux.HandleFunc("/hooks/publish", h.publish)
	mux.HandleFunc("/hooks/unpublish", h.unpublish)

	handler := http.Handler(mux)
	handler = metrics.HTTPMiddleware(recorder, handler)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handler)

	srv := &http.Server{
		Addr:              bind,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("ingest hook listening", "bind", bind, "validate_url", validateURL)
	if err := serverutil.Run(ctx, serverutil.Config{Server: httpRunner{srv}}); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("ingest hook stopped")
}

// httpRunner adapts http.Server to the serverutil lifecycle.
type httpRunner struct {
	srv *http.Server
}

func (r httpRunner) Start() error { return r.srv.ListenAndServe() }

func (r httpRunner) Shutdown(ctx context.Context) error { return r.srv.Shutdown(ctx) }

func (h *hook) publish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		deny(w, http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r.Header.Get("Authorization")) {
		h.logger.Warn("unauthorized hook call rejected", "remote_addr", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", "Bearer")
		deny(w, http.StatusUnauthorized)
		return
	}

	event, err := decodeEvent(r.Body)
	if err != nil {
		h.logger.Warn("malformed hook payload", "error", err)
		deny(w, http.StatusBadRequest)
		return
	}
	secret := extractSecret(event)
	if secret == "" {
		deny(w, http.StatusForbidden)
		return
	}

	valid, err := h.validate(r.Context(), secret)
	if err != nil {
		h.recordError(err)
		h.logger.Error("validation call failed, rejecting publish", "error", err)
		deny(w, http.StatusBadGateway)
		return
	}
	h.recordSuccess()
	if !valid {
		h.logger.Info("publish rejected", "app", event.App)
		deny(w, http.StatusForbidden)
		return
	}
	allow(w)
}

// unpublish is informational; the publisher is already gone. Always accept.
func (h *hook) unpublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		deny(w, http.StatusMethodNotAllowed)
		return
	}
	allow(w)
}

func (h *hook) validate(ctx context.Context, secret string) (bool, error) {
	payload, err := json.Marshal(map[string]string{
		"secret": secret,
		"action": ingest.ActionPublish,
	})
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, validationTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.validateURL, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("validation endpoint returned status %d", resp.StatusCode)
	}

	var result struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&result); err != nil {
		return false, fmt.Errorf("decode validation response: %w", err)
	}
	return result.Valid, nil
}

// authorized checks the shared bearer token when one is configured. With no
// token the hook trusts network isolation, which suits a localhost deployment.
func (h *hook) authorized(header string) bool {
	if h.token == "" {
		return true
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

func (h *hook) recordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastErr = err
	h.lastErrTime = time.Now()
}

func (h *hook) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastErr = nil
	h.lastSuccess = time.Now()
}

func (h *hook) healthz(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	lastErr := h.lastErr
	errTime := h.lastErrTime
	lastSuccess := h.lastSuccess
	h.mu.Unlock()

	status := http.StatusOK
	payload := map[string]any{
		"status":      "ok",
		"lastSuccess": lastSuccess,
	}
	if lastErr != nil {
		status = http.StatusServiceUnavailable
		payload["status"] = "degraded"
		payload["validationError"] = lastErr.Error()
		payload["validationErrorAt"] = errTime
	}

	buf, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

func decodeEvent(rc io.ReadCloser) (publishEvent, error) {
	if rc == nil {
		return publishEvent{}, errors.New("empty hook payload")
	}
	defer rc.Close()
	var event publishEvent
	if err := json.NewDecoder(io.LimitReader(rc, 1<<16)).Decode(&event); err != nil {
		return publishEvent{}, err
	}
	return event, nil
}

// extractSecret pulls the stream key out of the hook payload. The key rides
// in the stream field for rtmp://host/live/KEY publishes; some encoders tack
// it onto the query param instead (?key=KEY).
func extractSecret(event publishEvent) string {
	if stream := strings.TrimSpace(event.Stream); stream != "" {
		return stream
	}
	param := strings.TrimPrefix(strings.TrimSpace(event.Param), "?")
	if param == "" {
		return ""
	}
	values, err := url.ParseQuery(param)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(values.Get("key"))
}

// allow and deny speak the SRS hook dialect: HTTP 200 with code 0 permits the
// action, anything else blocks it.
func allow(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"code":0}`))
}

func deny(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"code":1}`))
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
