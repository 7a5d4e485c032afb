// Package supervisor runs the long-lived parts of each binary under a
// suture supervisor so a crashed loop is restarted with backoff instead of
// taking the process down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// New returns a root supervisor that logs its events through logger.
func New(name string, logger *slog.Logger) *suture.Supervisor {
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()
	return suture.New(name, suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}

// Func adapts a blocking function to suture.Service.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

func (f Func) Serve(ctx context.Context) error { return f.Run(ctx) }
func (f Func) String() string                  { return f.Name }

// Ticker calls Tick every Interval until the context ends. A failed tick is
// logged and does not restart the service.
type Ticker struct {
	Name     string
	Interval time.Duration
	// Immediate runs the first tick at start instead of after one interval.
	Immediate bool
	Tick      func(ctx context.Context) error
}

func (t Ticker) Serve(ctx context.Context) error {
	if t.Interval <= 0 {
		return fmt.Errorf("%s: interval must be positive: %w", t.Name, suture.ErrDoNotRestart)
	}
	tick := func() {
		if err := t.Tick(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("periodic task failed", "task", t.Name, "error", err)
		}
	}
	if t.Immediate {
		tick()
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick()
		}
	}
}

func (t Ticker) String() string { return t.Name }

// HTTPServer serves srv until the context ends, then shuts it down.
type HTTPServer struct {
	Name            string
	Server          *http.Server
	ShutdownTimeout time.Duration
}

func (h HTTPServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "name", h.Name, "addr", h.Server.Addr)
		errCh <- h.Server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return suture.ErrDoNotRestart
		}
		return fmt.Errorf("%s: %w", h.Name, err)
	case <-ctx.Done():
	}

	timeout := h.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := h.Server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "name", h.Name, "error", err)
	}
	return ctx.Err()
}

func (h HTTPServer) String() string { return h.Name }
