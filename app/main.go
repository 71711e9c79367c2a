package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/threat-comb/app/aggregator"
	"github.com/lysyi3m/threat-comb/app/api"
	"github.com/lysyi3m/threat-comb/app/cfg"
	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/dedup"
	"github.com/lysyi3m/threat-comb/app/events"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/fetcher"
	"github.com/lysyi3m/threat-comb/app/metrics"
	"github.com/lysyi3m/threat-comb/app/parser"
	"github.com/lysyi3m/threat-comb/app/reliability"
	"github.com/lysyi3m/threat-comb/app/scheduler"
	"github.com/lysyi3m/threat-comb/app/tasks"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown
		return
	}

	setupLogging(appCfg.Debug)

	if err := run(appCfg); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func run(appCfg *cfg.Cfg) error {
	slog.Info("Starting Threat Comb server", "version", appCfg.Version)

	clk := clock.Real()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Opening database", "path", appCfg.DBPath)
	db, err := database.Open(appCfg.DBPath, clk)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	stores := database.NewStores(db)

	slog.Info("Loading source definitions", "dir", appCfg.FeedsDir)
	configCache := feed.NewConfigCache(appCfg.FeedsDir)
	if err := configCache.Run(); err != nil {
		return fmt.Errorf("failed to load source definitions: %w", err)
	}
	synced, err := tasks.SyncSources(ctx, configCache, stores.Sources, clk)
	if err != nil {
		return fmt.Errorf("failed to sync source definitions: %w", err)
	}
	slog.Info("Source definitions synced", "loaded", configCache.GetConfigCount(), "synced", synced)

	dedupCfg := dedup.DefaultConfig()
	dedupCfg.DefaultPolicy = feed.MergePolicy(appCfg.MergePolicy)
	dedupCfg.Window = appCfg.NearWindow

	fetchCfg := fetcher.DefaultConfig()
	fetchCfg.UserAgent = appCfg.UserAgent
	fetchCfg.Timeout = appCfg.FetchTimeout
	fetchCfg.MaxBodySize = appCfg.MaxBodySize
	fetchCfg.HostRate = appCfg.HostRate

	feedParser := parser.NewParser(clk)
	deduplicator := dedup.New(stores.Items, stores.Sources, dedupCfg)
	scorer := reliability.NewScorer(reliability.DefaultConfig(), stores.Runs, clk)
	feedFetcher := fetcher.New(nil, fetchCfg, clk)

	bus := events.NewBus(clk)
	defer bus.Close()

	m := metrics.New()
	m.RegisterCounterFunc("events_published_total", "Events published on the internal bus.",
		func() float64 { return float64(bus.Published()) })
	m.RegisterCounterFunc("events_dropped_total", "Events dropped because a subscriber was full.",
		func() float64 { return float64(bus.Dropped()) })

	orchestrator := aggregator.New(aggregator.Config{
		WorkerCount: appCfg.WorkerCount,
		RunTimeout:  appCfg.RunTimeout,
	}, stores, feedFetcher, feedParser, deduplicator, scorer, bus, m, clk)

	m.RegisterGaugeFunc("runs_in_flight", "Source cycles currently running.",
		func() float64 { return float64(len(orchestrator.Status().InFlight)) })

	feedScheduler := scheduler.New(scheduler.Config{
		BaseDelay:        appCfg.RetryBaseDelay,
		MaxDelay:         appCfg.RetryMaxDelay,
		MaxRetries:       appCfg.MaxRetries,
		FailureThreshold: appCfg.FailureThreshold,
		Cooldown:         appCfg.ErrorCooldown,
	}, orchestrator, bus, clk)

	scheduled, err := scheduleSources(ctx, stores.Sources, feedScheduler)
	if err != nil {
		return err
	}

	slog.Info("Starting scheduler", "sources", scheduled, "workers", appCfg.WorkerCount)
	feedScheduler.Start()
	defer feedScheduler.Stop()

	handler := api.NewHandler(api.Deps{
		Stores:       stores,
		ConfigCache:  configCache,
		Parser:       feedParser,
		Dedup:        deduplicator,
		Scorer:       scorer,
		Prober:       feedFetcher,
		Orchestrator: orchestrator,
		Scheduler:    feedScheduler,
		Bus:          bus,
		Metrics:      m,
		Clock:        clk,
		Version:      appCfg.Version,
	})

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(handler, appCfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: appCfg.RunTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		baseUrl := cmp.Or(appCfg.BaseUrl, "http://localhost:"+appCfg.Port)
		slog.Info("Starting HTTP server", "port", appCfg.Port)
		slog.Info("Endpoints available",
			"feed", baseUrl+"/feeds/<id>",
			"health", baseUrl+"/health",
			"metrics", baseUrl+"/metrics")
		if appCfg.APIAccessKey != "" {
			slog.Info("Management API enabled", "url", baseUrl+"/api")
		} else {
			slog.Info("Management API disabled", "reason", "API_ACCESS_KEY not set")
		}

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	slog.Info("Threat Comb server started")

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	return nil
}

// scheduleSources arms every enabled source found in storage. A source with
// a bad schedule is logged and left out.
func scheduleSources(ctx context.Context, sources database.SourceRepository, s *scheduler.Scheduler) (int, error) {
	all, err := sources.ListSources(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list sources: %w", err)
	}

	scheduled := 0
	for _, src := range all {
		if !src.Enabled {
			continue
		}
		if _, err := s.Schedule(ctx, src.ID, src.Schedule); err != nil {
			slog.Warn("Failed to schedule source", "source_id", src.ID, "schedule", src.Schedule, "error", err)
			continue
		}
		scheduled++
	}
	return scheduled, nil
}
