package serverutil

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type fakeServer struct {
	startErr    error
	shutdownErr error
	started     chan struct{}
	release     chan struct{}
	shutdowns   int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (f *fakeServer) Start() error {
	close(f.started)
	if f.startErr != nil {
		return f.startErr
	}
	<-f.release
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(ctx context.Context) error {
	f.shutdowns++
	close(f.release)
	return f.shutdownErr
}

func TestRunRequiresServer(t *testing.T) {
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without a server")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := newFakeServer()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{Server: srv, ShutdownTimeout: time.Second})
	}()

	<-srv.started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if srv.shutdowns != 1 {
		t.Fatalf("expected one shutdown, got %d", srv.shutdowns)
	}
}

func TestRunPropagatesServeError(t *testing.T) {
	srv := newFakeServer()
	srv.startErr = errors.New("bind: address already in use")

	err := Run(context.Background(), Config{Server: srv})
	if err == nil || !errors.Is(err, srv.startErr) {
		t.Fatalf("expected the serve error, got %v", err)
	}
	if srv.shutdowns != 0 {
		t.Fatal("shutdown must not run when the listener never started")
	}
}

func TestRunTreatsServerClosedAsClean(t *testing.T) {
	srv := newFakeServer()
	srv.startErr = http.ErrServerClosed

	if err := Run(context.Background(), Config{Server: srv}); err != nil {
		t.Fatalf("expected nil for a closed server, got %v", err)
	}
}

func TestRunPropagatesShutdownError(t *testing.T) {
	srv := newFakeServer()
	srv.shutdownErr = errors.New("drain failed")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{Server: srv, ShutdownTimeout: time.Second})
	}()

	<-srv.started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, srv.shutdownErr) {
			t.Fatalf("expected the shutdown error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunSignalsReadiness(t *testing.T) {
	srv := newFakeServer()
	ready := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{Server: srv, Ready: ready})
	}()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("ready channel never closed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}
