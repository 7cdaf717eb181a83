package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected a log line")
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("decode log line %q: %v", line, err)
	}
	return record
}

func TestNewDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	logger.Info("hello", "key", "value")

	record := decodeLogLine(t, &buf)
	if record["msg"] != "hello" || record["key"] != "value" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "warn"})

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatal("warn should pass at warn level")
	}
}

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]string{
		"debug":    "DEBUG",
		"info":     "INFO",
		"":         "INFO",
		"warning":  "WARN",
		"ERROR":    "ERROR",
		"nonsense": "INFO",
	}
	for input, want := range cases {
		if got := parseLevel(input).Level().String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(New(Config{Writer: &buf}), "chat")
	logger.Info("posted")

	record := decodeLogLine(t, &buf)
	if record["component"] != "chat" {
		t.Fatalf("expected component field, got %v", record)
	}

	if WithComponent(nil, "chat") != nil {
		t.Fatal("nil logger must stay nil")
	}
}

func TestContextCarriesIdentifiers(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithChannelID(ctx, "after-dark")

	if id, ok := RequestIDFromContext(ctx); !ok || id != "req-1" {
		t.Fatalf("request id round trip failed: %q %v", id, ok)
	}
	if id, ok := ChannelIDFromContext(ctx); !ok || id != "after-dark" {
		t.Fatalf("channel id round trip failed: %q %v", id, ok)
	}

	// Blank values are not stored.
	ctx = ContextWithRequestID(context.Background(), "   ")
	if _, ok := RequestIDFromContext(ctx); ok {
		t.Fatal("blank request id must not be stored")
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Writer: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-9")
	ctx = ContextWithChannelID(ctx, "after-dark")
	WithContext(ctx, base).Info("annotated")

	record := decodeLogLine(t, &buf)
	if record["request_id"] != "req-9" || record["channel_id"] != "after-dark" {
		t.Fatalf("expected context fields on record, got %v", record)
	}
}

func TestLoggerContextRoundTrip(t *testing.T) {
	logger := New(Config{Writer: &bytes.Buffer{}})
	ctx := ContextWithLogger(context.Background(), logger)
	if got := LoggerFromContext(ctx); got != logger {
		t.Fatal("expected the stored logger back")
	}
	if got := LoggerFromContext(context.Background()); got != nil {
		t.Fatal("expected nil without a stored logger")
	}
}

func TestRequestLoggerEmitsOneLinePerRequest(t *testing.T) {
	var buf bytes.Buffer
	middleware := RequestLogger(RequestLoggerConfig{
		Logger: New(Config{Writer: &buf}),
		AdditionalFields: func(r *http.Request, status int, _ time.Duration) []any {
			return []any{"handler_status", status}
		},
	})

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-7"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	record := decodeLogLine(t, &buf)
	if record["msg"] != "request completed" {
		t.Fatalf("unexpected message %v", record["msg"])
	}
	if record["method"] != "GET" || record["path"] != "/api/stream" {
		t.Fatalf("missing request fields: %v", record)
	}
	if record["status"] != float64(http.StatusNoContent) || record["handler_status"] != float64(http.StatusNoContent) {
		t.Fatalf("missing status fields: %v", record)
	}
	if record["request_id"] != "req-7" {
		t.Fatalf("expected request id propagated, got %v", record)
	}
	if _, ok := record["remote_addr"]; !ok {
		t.Fatalf("expected remote_addr by default, got %v", record)
	}
}

func TestRequestLoggerCanHideRemoteAddr(t *testing.T) {
	var buf bytes.Buffer
	middleware := RequestLogger(RequestLoggerConfig{
		Logger:            New(Config{Writer: &buf}),
		DisableRemoteAddr: true,
	})

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	record := decodeLogLine(t, &buf)
	if _, ok := record["remote_addr"]; ok {
		t.Fatalf("remote_addr should be suppressed, got %v", record)
	}
}
