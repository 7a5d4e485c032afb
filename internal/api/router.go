package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/snapflow/internal/api/handlers"
	"github.com/your-org/snapflow/internal/api/ws"
	"github.com/your-org/snapflow/internal/auth"
)

// Database is what the API reads from Postgres.
type Database interface {
	handlers.Pinger
	handlers.PhotoStore
	handlers.DuplicateReader
}

// Bus is the NATS side of the API.
type Bus interface {
	handlers.BusPinger
	handlers.ControlPublisher
}

type RouterConfig struct {
	APIKey     string
	DB         Database
	Objects    handlers.Pinger
	Bus        Bus
	Dispatcher handlers.Dispatcher
	BestShots  handlers.BestShotReader
	Hub        *ws.Hub
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.Objects, cfg.Bus)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	// Photos
	photoH := handlers.NewPhotoHandler(cfg.DB, cfg.Dispatcher)
	v1.POST("/photos/:id/reanalyze", photoH.Reanalyze)
	v1.GET("/photos/:id/analysis", photoH.Analysis)
	v1.GET("/photos/:id/faces", photoH.Faces)

	// Events
	eventH := handlers.NewEventHandler(cfg.BestShots, cfg.DB, cfg.Dispatcher, cfg.Bus)
	v1.GET("/events/:id/best-shots", eventH.BestShots)
	v1.GET("/events/:id/duplicates", eventH.Duplicates)
	v1.POST("/events/:id/duplicates/rebuild", eventH.RebuildDuplicates)
	v1.POST("/events/:id/encodings/invalidate", eventH.InvalidateEncodings)
	v1.POST("/events/:id/reanalyze", eventH.Reanalyze)

	return r
}
