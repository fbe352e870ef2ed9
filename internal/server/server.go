// Package server exposes the minimal HTTP surface C10 names: triggering a
// manual run and inspecting execution history. Adapted from the teacher's
// chi router/middleware stack (internal/server/server.go), trimmed down
// from its many portfolio/universe/trading/dividends route groups to the
// one execution-lifecycle route group this system has.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/execution"
	"github.com/aristath/daily-rebalancer/internal/orchestrator"
)

// Config holds server construction options.
type Config struct {
	Port         int
	Log          zerolog.Logger
	Orchestrator *orchestrator.Orchestrator
	DefaultMode  execution.Mode
	DevMode      bool
}

// Server is the HTTP surface over the orchestrator.
type Server struct {
	router       *chi.Mux
	server       *http.Server
	log          zerolog.Logger
	orchestrator *orchestrator.Orchestrator
	defaultMode  execution.Mode
}

// New builds the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		log:          cfg.Log.With().Str("component", "server").Logger(),
		orchestrator: cfg.Orchestrator,
		defaultMode:  cfg.DefaultMode,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(90 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleExecutionHistory)
			r.Get("/{executionID}", s.handleExecutionDetails)
			r.Post("/trigger", s.handleTriggerManual)
		})
	})
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.log.Info().Int("port", 0).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
