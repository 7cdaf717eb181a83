// Package serverutil runs a server lifecycle under a cancellable context with
// bounded graceful shutdown.
package serverutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Runnable is the lifecycle surface Run drives. Start blocks until the
// listener stops; Shutdown drains in-flight requests.
type Runnable interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// Config controls the runtime behaviour of Run.
type Config struct {
	Server          Runnable
	ShutdownTimeout time.Duration
	// Ready is closed just before the listener starts accepting, so tests
	// can wait for the server without polling.
	Ready chan<- struct{}
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run starts the server and blocks until it stops or the context is
// cancelled. Cancellation triggers a graceful shutdown bounded by
// ShutdownTimeout; requests still in flight after the deadline are dropped.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Start()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}

	return shutdownErr
}
