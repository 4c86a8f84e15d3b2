// Package http exposes knowledged over a JSON REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/backfill"
	"github.com/fyrsmithlabs/knowledged/internal/jobs"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	Version   string
}

// Deps are the services behind the API.
type Deps struct {
	Knowledge *knowledge.Store
	Engine    *retrieval.Engine
	Jobs      *jobs.Controller
	Runner    *jobs.Runner
	Backfill  *backfill.Worker
	// Gatherer backs /metrics; nil uses the default prometheus registry.
	Gatherer prometheus.Gatherer
}

// Server provides HTTP endpoints for knowledged.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *logging.Logger
	config *Config
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	if deps.Knowledge == nil || deps.Engine == nil || deps.Jobs == nil || deps.Runner == nil {
		return nil, errors.New("knowledge store, engine, job controller and runner are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9191}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger.Named("http"),
		config: cfg,
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger.Underlying()).MetricsMiddleware())
	e.Use(s.requestContext)

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/imports", s.handleSubmitImport)
	v1.GET("/imports", s.handleListImports)
	v1.GET("/imports/:id", s.handleGetImport)
	v1.POST("/imports/:id/cancel", s.handleCancelImport)

	v1.GET("/notifications", s.handleListNotifications)
	v1.DELETE("/notifications", s.handleClearNotifications)
	v1.GET("/notifications/stream", s.handleNotificationStream)

	v1.POST("/entries/private", s.handleAddPrivate)
	v1.POST("/entries/public", s.handleAddPublic)
	v1.POST("/entries/raw", s.handleImportRaw)
	v1.POST("/entries/duplicate", s.handleIsDuplicate)

	v1.POST("/embeddings/backfill", s.handleBackfill)
	v1.GET("/embeddings/pending", s.handlePending)

	v1.GET("/profiles", s.handleListProfiles)
	v1.PUT("/profiles/active", s.handleSetActiveProfile)

	v1.GET("/collections", s.handleListCollections)
	v1.POST("/collections/reset", s.handleResetCollection)

	v1.POST("/search", s.handleSearch)
	v1.POST("/search/candidates", s.handleCandidates)
}

// requestContext stores the request id on the request context and logs
// each request once it completes.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
