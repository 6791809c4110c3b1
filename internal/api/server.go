// Package api exposes bundle processing, bulk import and subscriptions over
// HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/FairForge/fhirbundle/internal/bundle"
	"github.com/FairForge/fhirbundle/internal/config"
	"github.com/FairForge/fhirbundle/internal/importer"
	"github.com/FairForge/fhirbundle/internal/orchestration"
	"github.com/FairForge/fhirbundle/internal/subscriptions"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Pinger is implemented by stores that can report their availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the services the server routes requests to.
type Dependencies struct {
	Processor     *bundle.Processor
	Orchestrator  *orchestration.Orchestrator
	Imports       *importer.Registry
	Subscriptions *subscriptions.Manager
	// Store is checked by the readiness probe when it implements Pinger.
	Store any
	// Registry is served on /metrics. A new registry is used when nil.
	Registry *prometheus.Registry
}

type Server struct {
	config     *config.Config
	deps       Dependencies
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	metrics    *Metrics
	limiter    *RateLimiter
	auth       *Authenticator
	startTime  time.Time

	mu      sync.Mutex
	closers []func(context.Context) error
}

func NewServer(cfg *config.Config, deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		config:    cfg,
		deps:      deps,
		logger:    logger,
		router:    chi.NewRouter(),
		metrics:   NewMetrics(deps.Registry),
		startTime: time.Now(),
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	if cfg.Auth.JWTSecret != "" {
		s.auth = NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// OnShutdown registers fn to run after the HTTP server has stopped.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.Int("port", s.config.Server.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and then runs
// the registered shutdown hooks in reverse order.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i](ctx))
	}
	return err
}
