package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PhotosAnalyzed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapflow",
		Name:      "photos_analyzed_total",
		Help:      "Photos that reached the scored state, by shot type",
	}, []string{"shot_type"})

	PhotosFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapflow",
		Name:      "photos_failed_total",
		Help:      "Analysis attempts that failed, by kind (transient, permanent)",
	}, []string{"kind"})

	FacesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snapflow",
		Name:      "faces_detected_total",
		Help:      "Total number of faces detected above the minimum area",
	})

	FacesRecognized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapflow",
		Name:      "faces_recognized_total",
		Help:      "Faces matched to an enrolled user, by method",
	}, []string{"method"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "snapflow",
		Name:      "stage_duration_seconds",
		Help:      "Duration of analysis stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"stage"})

	EncodingCacheBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapflow",
		Name:      "encoding_cache_builds_total",
		Help:      "Encoding cache builds, by result",
	}, []string{"result"})

	EncodingCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snapflow",
		Name:      "encoding_cache_hits_total",
		Help:      "Encoding cache lookups served without a build",
	})

	BestShotDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapflow",
		Name:      "best_shot_decisions_total",
		Help:      "Best-shot admission outcomes",
	}, []string{"category", "decision"})

	DuplicateRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapflow",
		Name:      "duplicate_rebuilds_total",
		Help:      "Duplicate group rebuilds, by result",
	}, []string{"result"})

	DuplicateGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapflow",
		Name:      "duplicate_groups_last",
		Help:      "Number of groups produced by the most recent rebuild",
	})

	EnhancementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapflow",
		Name:      "enhancements_total",
		Help:      "Best-effort enhancement tasks, by result",
	}, []string{"result"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapflow",
		Name:      "queue_depth",
		Help:      "Number of pending photo tasks in queue",
	})

	PendingPhotos = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapflow",
		Name:      "pending_photos",
		Help:      "Unprocessed photos seen by the last scheduler sweep",
	})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "snapflow",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "snapflow",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "snapflow",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
