package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldworks/curlew/internal/domain"
	"github.com/fieldworks/curlew/internal/intake"
	"github.com/fieldworks/curlew/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, auth domain.AuthConfig, repo domain.Repository, cache domain.Cache, processor *intake.Processor, custom *rules.CustomEngine, version string) *Server {
	handler := NewHandler(repo, cache, processor, custom, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no auth required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (auth required when configured)
	router.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(auth))

		// Form submission intake
		r.Post("/receiver", handler.Receiver)

		// Visit and aggregate retrieval
		r.Get("/visits/{id}", handler.GetVisit)
		r.Get("/completed-work/{id}", handler.GetCompletedWork)

		// Opportunity config and custom flag rules
		r.Get("/opportunities/{id}", handler.GetOpportunity)
		r.Get("/opportunities/{id}/flag-rules", handler.ListFlagRules)
		r.Post("/opportunities/{id}/flag-rules", handler.CreateFlagRule)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
