package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/application/sandbox"
	"github.com/wronai/pactown/internal/application/security"
	"github.com/wronai/pactown/internal/domain"
	"github.com/wronai/pactown/internal/ports"
)

// Server is the runner API: run a service straight from Markdown
// content, no manifest required, then inspect, stop and restart it.
type Server struct {
	router  *gin.Engine
	server  *http.Server
	sandbox *sandbox.Manager
	parser  ports.ArtifactParser
	policy  *security.Policy
	store   ports.StateStore
	bus     ports.EventBus
	logger  *zap.Logger

	// Run requests are remembered so a service can be restarted with
	// the spec and artifact it was first started with.
	mu      sync.Mutex
	records map[string]*serviceRecord
}

// serviceRecord keeps everything needed to restart or re-attribute one
// API-run service.
type serviceRecord struct {
	spec     domain.ServiceSpec
	artifact *domain.Artifact
	env      map[string]string
}

// Config holds runner API server configuration. Policy, Store, Bus and
// Metrics are optional.
type Config struct {
	Addr    string
	Token   string
	Sandbox *sandbox.Manager
	Parser  ports.ArtifactParser
	Policy  *security.Policy
	Store   ports.StateStore
	Bus     ports.EventBus
	Metrics RequestMetrics
	Logger  *zap.Logger
}

// NewServer creates the runner API server.
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	if cfg.Metrics != nil {
		router.Use(requestMetrics(cfg.Metrics))
	}

	s := &Server{
		router:  router,
		sandbox: cfg.Sandbox,
		parser:  cfg.Parser,
		policy:  cfg.Policy,
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		records: make(map[string]*serviceRecord),
	}

	s.setupRoutes(cfg.Token)

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes. Health and metrics stay open; the
// API group requires the bearer token when one is configured.
func (s *Server) setupRoutes(token string) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.Use(bearerAuth(token))
	{
		v1.POST("/services", s.handleRunService)
		v1.GET("/services", s.handleListServices)
		v1.GET("/services/:id", s.handleGetService)
		v1.DELETE("/services/:id", s.handleStopService)
		v1.GET("/services/:id/logs", s.handleServiceLogs)
		v1.POST("/services/:id/restart", s.handleRestartService)
		v1.GET("/services/:id/tests", s.handleTestService)

		v1.POST("/validate", s.handleValidate)

		v1.GET("/services/:id/files", s.handleListFiles)
		v1.GET("/services/:id/file", s.handleReadFile)
		v1.PUT("/services/:id/file", s.handleWriteFile)
		v1.DELETE("/services/:id/file", s.handleDeleteFile)

		v1.GET("/anomalies", s.handleAnomalies)
		v1.GET("/cache/stats", s.handleCacheStats)
	}
}

// SetupWebSocket registers the event stream endpoint.
func (s *Server) SetupWebSocket(handler interface{}) {
	if wsHandler, ok := handler.(interface {
		HandleEvents(*gin.Context)
	}); ok {
		s.router.GET("/ws/events", wsHandler.HandleEvents)
	}
}

// Start runs background bookkeeping: a service that exits on its own
// releases its policy slot. Call once before Serve on long-running
// processes.
func (s *Server) Start(ctx context.Context) error {
	if s.policy == nil || s.bus == nil {
		return nil
	}
	return s.bus.Subscribe(ctx, ports.TopicLifecycle, func(_ context.Context, event ports.Event) error {
		if event.Type != ports.EventServiceExited {
			return nil
		}
		s.mu.Lock()
		rec, ok := s.records[event.Service]
		s.mu.Unlock()
		if ok {
			s.policy.UnregisterStop(userOf(rec.spec), event.Service)
		}
		return nil
	})
}

// Serve starts the HTTP listener and blocks until shutdown.
func (s *Server) Serve() error {
	s.logger.Info("starting runner api", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("runner api failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, then stops every service the API
// started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down runner api")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("runner api shutdown: %w", err)
	}

	for _, err := range s.sandbox.StopAll(ctx) {
		s.logger.Error("failed to stop service during shutdown", zap.Error(err))
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) record(name string) (*serviceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	return rec, ok
}

func (s *Server) remember(name string, rec *serviceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = rec
}

func userOf(spec domain.ServiceSpec) string {
	if spec.UserID != "" {
		return spec.UserID
	}
	return "local"
}

// statusTimeout bounds the health probe performed while answering
// status requests.
const statusTimeout = 5 * time.Second
