package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/snapflow/internal/bestshot"
	"github.com/your-org/snapflow/internal/config"
	"github.com/your-org/snapflow/internal/duplicates"
	"github.com/your-org/snapflow/internal/enhance"
	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/observability"
	"github.com/your-org/snapflow/internal/pipeline"
	"github.com/your-org/snapflow/internal/quality"
	"github.com/your-org/snapflow/internal/queue"
	"github.com/your-org/snapflow/internal/recognition"
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

	slog.Info("starting snapflow worker",
		"workers", cfg.Pipeline.WorkerCount,
		"cpu_cores", runtime.NumCPU(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize ONNX Runtime
	ort.SetSharedLibraryPath(onnxLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("run migrations", "error", err)
		os.Exit(1)
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	// Face models
	faces, err := loadFaceModels(cfg.Vision, cfg.Matching)
	if err != nil {
		slog.Error("load face models", "error", err)
		os.Exit(1)
	}
	defer faces.Close()

	encoder, err := recognition.NewEncoder(faces.detector, faces.methods, cfg.Matching.MinFaceArea)
	if err != nil {
		slog.Error("create encoder", "error", err)
		os.Exit(1)
	}
	cache := recognition.NewCache(db, minioStore, encoder, cfg.Matching.BuildWorkers).
		WithBuildTimeout(cfg.Matching.BuildTimeout)
	matcher := recognition.NewMatcher(encoder, cache, recognition.MatcherConfig{
		FallbackBelow: cfg.Matching.FallbackBelow,
		Parallelism:   cfg.Matching.Parallelism,
		Timeout:       cfg.Matching.Timeout,
	})

	// Duplicates run once per event at a time in this process and under a
	// Postgres advisory lock across processes.
	detector, err := duplicates.NewDetector(db, minioStore, cfg.Duplicates)
	if err != nil {
		slog.Error("create duplicate detector", "error", err)
		os.Exit(1)
	}
	coalescer := duplicates.NewCoalescer(ctx, pipeline.AnnounceRebuilds(detector, producer), cfg.Duplicates.Debounce)
	defer coalescer.Close()

	deps := pipeline.Deps{
		Store:      db,
		Objects:    minioStore,
		Events:     producer,
		Matcher:    matcher,
		Scorer:     quality.NewScorer(cfg.Quality),
		BestShots:  bestshot.NewSelector(db, cfg.BestShot),
		Duplicates: coalescer,
	}
	if cfg.Pipeline.EnhanceOn() {
		deps.Enhancer = enhance.NewEnhancer(minioStore, enhance.DefaultSettings())
	}
	orch := pipeline.NewOrchestrator(deps, cfg.Pipeline)
	defer orch.Wait()

	// Encoding cache invalidation from the API
	sub, err := consumer.SubscribeControl(func(cmd models.ControlCommand) {
		if cmd.Action != models.ControlInvalidateEncodings {
			return
		}
		if cmd.EventID == 0 {
			cache.InvalidateAll()
		} else {
			cache.Invalidate(cmd.EventID)
		}
		slog.Info("encodings invalidated", "event_id", cmd.EventID)
	})
	if err != nil {
		slog.Error("subscribe control", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe() //nolint:errcheck

	sup := supervisor.New("snapflow-worker", logger)

	sup.Add(supervisor.Func{Name: "photo-consumer", Run: func(ctx context.Context) error {
		if err := consumer.ConsumePhotos(ctx, "photo-workers", orch.Handle, cfg.Pipeline.WorkerCount); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}})

	sup.Add(supervisor.Ticker{Name: "queue-depth", Interval: 10 * time.Second, Tick: func(ctx context.Context) error {
		depth, err := producer.QueueDepth(ctx)
		if err != nil {
			return err
		}
		observability.QueueDepth.Set(float64(depth))
		return nil
	}})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	sup.Add(supervisor.HTTPServer{
		Name:   "worker-metrics",
		Server: &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort), Handler: mux},
	})

	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		slog.Error("supervisor stopped", "error", err)
	}

	slog.Info("shutting down worker...")
}
