package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

func TestTickerRunsUntilCanceled(t *testing.T) {
	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Ticker{
			Name:      "count",
			Interval:  5 * time.Millisecond,
			Immediate: true,
			Tick: func(context.Context) error {
				if ticks.Add(1) == 2 {
					return errors.New("boom")
				}
				return nil
			},
		}.Serve(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("ticks = %d, want at least 4", ticks.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v, want context.Canceled", err)
	}
}

func TestTickerRejectsZeroInterval(t *testing.T) {
	err := Ticker{Name: "bad", Tick: func(context.Context) error { return nil }}.Serve(context.Background())
	if !errors.Is(err, suture.ErrDoNotRestart) {
		t.Fatalf("err = %v, want ErrDoNotRestart", err)
	}
}

func TestSupervisorRestartsFailedService(t *testing.T) {
	var runs atomic.Int32
	sup := New("test", slog.Default())
	sup.Add(Func{Name: "flaky", Run: func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("crash")
		}
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("runs = %d, want 3", runs.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-errCh
}

func TestHTTPServerShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	svc := HTTPServer{Name: "test", Server: &http.Server{Addr: addr, Handler: mux}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
