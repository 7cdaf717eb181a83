package server

import (
	"context"
	"log/slog"
	"net/http"

	"afterdark-live/internal/observability/logging"
)

// loggingWithRequest returns a logger annotated with request-scoped fields so
// middleware logs stay aligned on shared keys.
func loggingWithRequest(base *slog.Logger, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}
	logger := loggerWithRequestContext(r.Context(), base)
	if logger == nil {
		return nil
	}
	return logger.With(
		"path", r.URL.Path,
		"remote_ip", extractClientIP(r),
	)
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}
