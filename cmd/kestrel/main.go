// Kestrel - Ensemble risk scoring for banking transactions.
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

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scorer"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
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

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
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

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

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

	// Initialize Profile Service
	profiles := profile.NewService(repo, cacheImpl)
	slog.Info("profile service initialized")

	// Initialize Rule Engine
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Built-in rules first, then tenant overrides from the database.
	if err := engine.LoadRules(rules.BuiltinRules(cfg.Scoring.Rules)); err != nil {
		slog.Error("failed to load builtin rules", "error", err)
		os.Exit(1)
	}
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Load fitted model artifacts for the ML detectors. Without artifacts
	// only the statistical detectors run.
	var artifacts *detector.Artifacts
	if path := os.Getenv("KESTREL_ARTIFACTS"); path != "" {
		artifacts, err = detector.LoadArtifacts(path)
		if err != nil {
			slog.Error("failed to load model artifacts", "path", path, "error", err)
			os.Exit(1)
		}
		slog.Info("model artifacts loaded", "path", path)
	} else {
		for _, name := range []string{
			detector.NameIsolationForest,
			detector.NameLOF,
			detector.NameOneClassSVM,
		} {
			delete(cfg.Scoring.Weights, name)
		}
		slog.Warn("no model artifacts configured, running statistical detectors only")
	}

	// Initialize Scorer
	sc, err := scorer.New(cfg.Scoring, artifacts, engine)
	if err != nil {
		slog.Error("failed to initialize scorer", "error", err)
		os.Exit(1)
	}
	slog.Info("scorer initialized",
		"detectors", strings.Join(sc.Detectors(), ","),
		"detector_timeout", cfg.Scoring.DetectorTimeout,
		"batch_workers", cfg.Scoring.BatchWorkers,
	)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, sc, profiles)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		workerCfg := worker.Config{
			TenantIDs:   tenantIDs,
			WorkerCount: 5,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, sc, profiles, Version)

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

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// loadRulesFromDatabase loads rules from the database into the engine.
// Database rules layer on top of the builtins; same ID replaces.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with builtins only - more can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║       Ensemble Risk Scoring Engine        ║")
	fmt.Println("  ║      Every transaction, explained.        ║")
	fmt.Println("  ╚═════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /score                           - Score a transaction")
	fmt.Println("    POST /score/batch                     - Score a batch, ranked")
	fmt.Println("    GET  /assessments                     - List recent assessments")
	fmt.Println("    GET  /assessments/{id}                - Get assessment by ID")
	fmt.Println("    GET  /transactions/{txId}/assessment  - Latest assessment for a tx")
	fmt.Println("    GET  /rules                           - List all rules")
	fmt.Println("    POST /rules                           - Create a new rule")
	fmt.Println("    POST /rules/reload                    - Hot-reload rules from database")
	fmt.Println("    GET  /profiles/{customerId}           - Get customer profile")
	fmt.Println("    PUT  /profiles/{customerId}           - Save customer profile")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
