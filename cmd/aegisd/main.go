// Command aegisd runs the action-enforcement daemon: it wires the configured
// components into an orchestrator and serves the submit/admin HTTP surface.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/meridian-labs/aegis/pkg/bus"
	"github.com/meridian-labs/aegis/pkg/cache"
	"github.com/meridian-labs/aegis/pkg/config"
	"github.com/meridian-labs/aegis/pkg/contracts"
	"github.com/meridian-labs/aegis/pkg/costgate"
	"github.com/meridian-labs/aegis/pkg/executor"
	"github.com/meridian-labs/aegis/pkg/knowledge"
	"github.com/meridian-labs/aegis/pkg/observability"
	"github.com/meridian-labs/aegis/pkg/pipeline"
	"github.com/meridian-labs/aegis/pkg/router"
	"github.com/meridian-labs/aegis/pkg/validator"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults + env when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "aegisd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "aegis",
		ServiceVersion: config.EngineVersion,
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Telemetry,
	}, logger)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	owners, err := cfg.BuildOwnership()
	if err != nil {
		return fmt.Errorf("ownership: %w", err)
	}

	b := bus.New(logger, cfg.BusAuditSize)
	recorder := observability.NewRecorder(provider, logger)
	recorder.Attach(b,
		costgate.EventCostValidated, costgate.EventCostBlocked,
		pipeline.EventActionComplete)

	var db *sql.DB
	var cacheStore cache.Store
	var routerStore router.Store
	if cfg.SQLitePath != "" {
		db, err = sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		defer db.Close()
		if cacheStore, err = cache.NewSQLiteStore(db); err != nil {
			return fmt.Errorf("cache store: %w", err)
		}
		if routerStore, err = router.NewSQLiteStore(db); err != nil {
			return fmt.Errorf("router store: %w", err)
		}
	}

	knowledgeCache := cache.New(cfg.CacheTTL, cfg.CacheCapacity, cacheStore, logger)
	if err := knowledgeCache.Warm(ctx); err != nil {
		return fmt.Errorf("warm cache: %w", err)
	}

	gateOpts := []costgate.Option{}
	if cfg.AdmitRate > 0 {
		gateOpts = append(gateOpts, costgate.WithRateLimit(cfg.AdmitRate, cfg.AdmitBurst))
	}
	if cfg.AdmitPolicy != "" {
		policyOpt, err := costgate.WithAdmitPolicy(cfg.AdmitPolicy)
		if err != nil {
			return fmt.Errorf("admit policy: %w", err)
		}
		gateOpts = append(gateOpts, policyOpt)
	}
	gate := costgate.New(cfg.CostTable, cfg.GlobalCeiling, b, logger, gateOpts...)

	rtr := router.New(cfg.LearningRate, cfg.QualityWeight, cfg.CostWeight, routerStore, logger)
	b.Subscribe(costgate.EventCostValidated, router.ComponentName, rtr.HandleCostEvent)
	b.Subscribe(costgate.EventCostBlocked, router.ComponentName, rtr.HandleCostEvent)

	qv := validator.New(nil)
	registry := executor.NewRegistry(cfg.ExecutorTimeout, rtr.Register, logger)

	var priors knowledge.Store = knowledge.NewMemoryStore()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		priors = knowledge.NewRedisStore(client, "aegis:prior", cfg.CacheTTL)
	}
	if err := registerExecutors(registry, priors); err != nil {
		return fmt.Errorf("register executors: %w", err)
	}
	// Restore must follow registration; persisted profiles only merge into
	// executors that exist.
	if err := rtr.Restore(ctx); err != nil {
		return fmt.Errorf("restore profiles: %w", err)
	}

	payloads, err := contracts.NewPayloadValidator()
	if err != nil {
		return fmt.Errorf("payload schemas: %w", err)
	}

	boot := pipeline.BootstrapFunc(func(ctx context.Context) error {
		// Prove the prior store is reachable before admitting any action.
		if _, err := priors.ReadPrior(ctx, "bootstrap-probe"); err != nil {
			return fmt.Errorf("prior store unreachable: %w", err)
		}
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("sqlite unreachable: %w", err)
			}
		}
		return nil
	})

	orch, err := pipeline.New(owners, b, gate, knowledgeCache, rtr, qv, registry,
		payloads, cfg.QualityThreshold, boot, logger)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newServer(orch, gate, knowledgeCache, recorder, provider, logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("aegisd listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
