package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/snapflow/internal/bestshot"
	"github.com/your-org/snapflow/internal/config"
	"github.com/your-org/snapflow/internal/observability"
	"github.com/your-org/snapflow/internal/pipeline"
	"github.com/your-org/snapflow/internal/queue"
	"github.com/your-org/snapflow/internal/storage"
	"github.com/your-org/snapflow/internal/supervisor"
)

// The scheduler re-queues photos that never finished analysis: uploads whose
// task was lost, tasks that exhausted their deliveries, and photos left in
// analyzing by a crashed worker.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting snapflow scheduler",
		"interval", cfg.Scheduler.Interval.String(),
		"batch_size", cfg.Scheduler.BatchSize,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	dispatcher := pipeline.NewDispatcher(db, producer, bestshot.NewSelector(db, cfg.BestShot))

	sup := supervisor.New("snapflow-scheduler", logger)

	sup.Add(supervisor.Ticker{
		Name:      "process-pending",
		Interval:  cfg.Scheduler.Interval,
		Immediate: true,
		Tick: func(ctx context.Context) error {
			_, err := dispatcher.ProcessPending(ctx, cfg.Scheduler.BatchSize, cfg.Scheduler.StaleFor)
			return err
		},
	})

	sup.Add(supervisor.Ticker{
		Name:     "queue-depth",
		Interval: cfg.Scheduler.Interval / 10,
		Tick: func(ctx context.Context) error {
			depth, err := producer.QueueDepth(ctx)
			if err != nil {
				return err
			}
			observability.QueueDepth.Set(float64(depth))
			return nil
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	sup.Add(supervisor.HTTPServer{
		Name:   "scheduler-metrics",
		Server: &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort+1), Handler: mux},
	})

	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		slog.Error("supervisor stopped", "error", err)
	}
	slog.Info("scheduler stopped")
}
