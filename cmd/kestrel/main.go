// Kestrel - Graph-based fraud scoring for transaction streams.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/store"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// .env is optional; real env vars win.
	_ = godotenv.Load()

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"model", cfg.Model.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize GraphStore
	graphStore, err := store.New(cfg.Store)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer graphStore.Close()
	slog.Info("store initialized", "driver", cfg.Store.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Metrics
	m := metrics.New(prometheus.DefaultRegisterer)

	// Load model bundle (built-in pretrained when no artifacts configured)
	bundle, err := model.Load(cfg.Model)
	if err != nil {
		slog.Error("failed to load model bundle", "error", err)
		os.Exit(1)
	}
	slog.Info("model loaded", "type", cfg.Model.Type, "version", bundle.Classifier.Version())

	// Initialize Policy Engine
	engine, err := policy.NewEngine()
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Load policies from database (no hardcoded defaults - configure via API)
	if err := loadPoliciesFromDatabase(ctx, graphStore, engine); err != nil {
		slog.Error("failed to load policies", "error", err)
		os.Exit(1)
	}
	slog.Info("policy engine initialized", "policies_count", engine.PoliciesCount(domain.GlobalTenantID))

	// Initialize services
	aggregates := aggregate.NewService(graphStore, cacheImpl, busImpl, m, logger)
	defer aggregates.Close()
	aggregates.StartStalenessTracking(30 * time.Second)

	assembler := features.NewAssembler(graphStore, cacheImpl, m, logger, cfg.Cache.AggregateTTL)
	ingestSvc := ingest.NewService(graphStore, busImpl, m, logger)

	scoringSvc, err := scoring.NewService(graphStore, assembler, bundle, engine, busImpl, m, logger)
	if err != nil {
		slog.Error("failed to initialize scoring service", "error", err)
		os.Exit(1)
	}

	// Initialize async aggregation worker (Pro tier)
	var refreshWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		refreshWorker = worker.NewWorker(busImpl, aggregates, logger)

		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		workerCfg := worker.Config{
			TenantIDs:        tenantIDs,
			RefreshDebounce:  cfg.Aggregation.RefreshDebounce,
			PeriodicInterval: cfg.Aggregation.PeriodicInterval,
		}

		if err := refreshWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start refresh worker", "error", err)
		} else {
			slog.Info("refresh worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Store:      graphStore,
		Cache:      cacheImpl,
		Scoring:    scoringSvc,
		Ingest:     ingestSvc,
		Aggregates: aggregates,
		Assembler:  assembler,
		Policies:   engine,
		Version:    Version,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop refresh worker first
	if refreshWorker != nil {
		if err := refreshWorker.Stop(); err != nil {
			slog.Error("failed to stop refresh worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnvOverrides layers environment settings over the tier defaults.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_MODEL_TYPE"); v != "" {
		cfg.Model.Type = v
	}
	if v := os.Getenv("KESTREL_SCALER_PATH"); v != "" {
		cfg.Model.ScalerPath = v
	}
	if v := os.Getenv("KESTREL_CLASSIFIER_PATH"); v != "" {
		cfg.Model.ClassifierPath = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
}

// loadPoliciesFromDatabase loads the global decision policies into the
// engine. All policies must be configured via POST /policies API - no
// hardcoded defaults.
func loadPoliciesFromDatabase(ctx context.Context, graphStore domain.GraphStore, engine *policy.Engine) error {
	dbPolicies, err := graphStore.ListPolicies(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list policies from database", "error", err)
		return nil // Start with empty policies - they can be added via API
	}

	if len(dbPolicies) > 0 {
		slog.Info("loading policies from database", "count", len(dbPolicies))
		return engine.ReloadPolicies(domain.GlobalTenantID, dbPolicies)
	}

	slog.Info("no policies in database - configure via POST /policies API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║       Fraud Scoring Pipeline              ║")
	fmt.Println("  ║    Every transaction, weighed.            ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /score                  - Score a prospective transaction")
	fmt.Println("    GET  /scores/{id}            - Get score by ID")
	fmt.Println("    POST /transactions           - Ingest a transaction")
	fmt.Println("    POST /transactions/import    - Bulk CSV import")
	fmt.Println("    GET  /transactions/{id}      - Get transaction by ID")
	fmt.Println("    GET  /customers/{id}         - Get customer with aggregates")
	fmt.Println("    GET  /merchants/{id}         - Get merchant with aggregates")
	fmt.Println("    POST /aggregates/recompute   - Run an aggregation pass")
	fmt.Println("    GET  /training-data          - Export labeled training CSV")
	fmt.Println("    GET  /policies               - List decision policies")
	fmt.Println("    POST /policies               - Create a decision policy")
	fmt.Println("    POST /policies/reload        - Hot-reload policies")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println("    GET  /metrics                - Prometheus metrics")
	fmt.Println()
}
