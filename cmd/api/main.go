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
	"time"

	"github.com/your-org/snapflow/internal/api"
	"github.com/your-org/snapflow/internal/api/ws"
	"github.com/your-org/snapflow/internal/bestshot"
	"github.com/your-org/snapflow/internal/config"
	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/observability"
	"github.com/your-org/snapflow/internal/pipeline"
	"github.com/your-org/snapflow/internal/queue"
	"github.com/your-org/snapflow/internal/storage"
	"github.com/your-org/snapflow/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting snapflow API service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create event consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	selector := bestshot.NewSelector(db, cfg.BestShot)
	dispatcher := pipeline.NewDispatcher(db, producer, selector).WithObjects(minioStore)
	hub := ws.NewHub()

	router := api.NewRouter(api.RouterConfig{
		APIKey:     cfg.Server.APIKey,
		DB:         db,
		Objects:    minioStore,
		Bus:        producer,
		Dispatcher: dispatcher,
		BestShots:  selector,
		Hub:        hub,
	})

	sup := supervisor.New("snapflow-api", logger)

	sup.Add(supervisor.Func{Name: "ws-hub", Run: func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			hub.Stop()
		}()
		hub.Run()
		return ctx.Err()
	}})

	// Broadcast analysis outcomes to WebSocket clients
	sup.Add(supervisor.Func{Name: "analysis-events", Run: func(ctx context.Context) error {
		err := consumer.ConsumeEvents(ctx, "api-events", func(_ context.Context, ev models.AnalysisEvent) error {
			hub.BroadcastEvent(ev)
			return nil
		})
		if err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}})

	sup.Add(supervisor.HTTPServer{
		Name: "api",
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	})

	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		slog.Error("supervisor stopped", "error", err)
	}

	slog.Info("API server stopped")
}
