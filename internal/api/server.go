package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Deps bundles the server's service dependencies.
type Deps struct {
	Store      domain.GraphStore
	Cache      domain.Cache
	Scoring    *scoring.Service
	Ingest     *ingest.Service
	Aggregates *aggregate.Service
	Assembler  *features.Assembler
	Policies   *policy.Engine
	Version    string
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health and metrics endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Fraud scoring
		r.Post("/score", handler.Score)
		r.Get("/scores/{id}", handler.GetScore)

		// Transaction ingestion
		r.Post("/transactions", handler.IngestTransaction)
		r.Post("/transactions/import", handler.ImportTransactions)
		r.Get("/transactions/{id}", handler.GetTransaction)

		// Entity lookups
		r.Get("/customers/{id}", handler.GetCustomer)
		r.Get("/merchants/{id}", handler.GetMerchant)

		// Aggregation control
		r.Post("/aggregates/recompute", handler.RecomputeAggregates)

		// Training data export
		r.Get("/training-data", handler.ExportTrainingData)

		// Policy management
		r.Get("/policies", handler.ListPolicies)
		r.Post("/policies", handler.CreatePolicy)
		r.Delete("/policies/{id}", handler.DeletePolicy)
		r.Post("/policies/reload", handler.ReloadPolicies)
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
