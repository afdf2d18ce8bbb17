package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mshafiee/chimera/pkg/healthprobe"
)

const (
	// maxSignalBody caps the ingress payload size. Signals are small
	// JSON envelopes; anything larger is hostile.
	maxSignalBody = 64 << 10

	defaultPromotionTTL = 24 * time.Hour
)

// Server provides the query/control API plus metrics and health checks.
type Server struct {
	server        *http.Server
	logger        *zap.Logger
	healthChecker *healthprobe.HealthChecker
}

// Config holds server configuration.
type Config struct {
	Port          string
	Logger        *zap.Logger
	HealthChecker *healthprobe.HealthChecker
	Auth          *Auth
	Ingress       Ingress
	Ledger        Ledger
	Breaker       BreakerControl
	Selector      SelectorSource
	Stream        http.Handler
}

// New creates the HTTP server. The /api/v1 surface is only mounted when
// its dependencies are provided, so tests and tooling can run a bare
// metrics/health server.
func New(cfg *Config) (*Server, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.HealthChecker == nil {
		return nil, fmt.Errorf("health checker cannot be nil")
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Routes
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/health", cfg.HealthChecker.Health())
	r.Get("/ready", cfg.HealthChecker.Ready())

	if cfg.Ingress != nil && cfg.Ledger != nil {
		if cfg.Auth == nil {
			return nil, fmt.Errorf("auth cannot be nil when the api surface is enabled")
		}
		if cfg.Breaker == nil {
			return nil, fmt.Errorf("breaker cannot be nil when the api surface is enabled")
		}
		if cfg.Selector == nil {
			return nil, fmt.Errorf("selector cannot be nil when the api surface is enabled")
		}

		h := &Handler{
			ingress:  cfg.Ingress,
			ledger:   cfg.Ledger,
			breaker:  cfg.Breaker,
			selector: cfg.Selector,
			logger:   cfg.Logger,
		}

		r.Route("/api/v1", func(r chi.Router) {
			// Producers authenticate with the HMAC envelope, not a token.
			r.Post("/signals", h.HandleSignal)

			r.Group(func(r chi.Router) {
				r.Use(cfg.Auth.Require(RoleRead))
				r.Get("/positions", h.HandlePositions)
				r.Get("/roster", h.HandleRoster)
				r.Get("/performance", h.HandlePerformance)
				if cfg.Stream != nil {
					r.Get("/stream", cfg.Stream.ServeHTTP)
				}
			})

			r.Group(func(r chi.Router) {
				r.Use(cfg.Auth.Require(RoleOperate))
				r.Post("/roster/{address}/status", h.HandleRosterStatus)
			})

			r.Group(func(r chi.Router) {
				r.Use(cfg.Auth.Require(RoleAdminister))
				r.Post("/breaker/reset", h.HandleBreakerReset)
			})
		})
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		server:        server,
		logger:        cfg.Logger,
		healthChecker: cfg.HealthChecker,
	}, nil
}

// Router exposes the configured handler, primarily for tests.
func (s *Server) Router() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
// This is a blocking call that returns when the server stops or encounters an error.
func (s *Server) Start() error {
	s.logger.Info("http-server-starting", zap.String("addr", s.server.Addr))

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http-server-shutting-down")

	err := s.server.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("http-server-shutdown-complete")
	return nil
}
