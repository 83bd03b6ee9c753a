// Package main is the entry point for the agentplane server: the run
// orchestration engine plus its HTTP API and metrics endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentplane/internal/broadcast"
	"agentplane/internal/bus"
	"agentplane/internal/config"
	"agentplane/internal/controller"
	"agentplane/internal/engine"
	"agentplane/internal/logger"
	"agentplane/internal/observability"
	"agentplane/internal/orchestrator"
	"agentplane/internal/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(parseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing is optional; without a collector the engine still runs.
	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "agentplane", cfg.OTELEndpoint)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Warn("failed to shutdown tracer", "error", err)
			}
		}()
	}

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	engineMetrics, err := observability.NewEngineMetrics()
	if err != nil {
		return fmt.Errorf("failed to register engine metrics: %w", err)
	}

	runStore, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer runStore.Close()

	eventBus := bus.New()
	bcast := broadcast.New(cfg.HeartbeatInterval, log)

	eng := engine.New(engine.Config{
		MaxConcurrency:      cfg.MaxConcurrency,
		RequestsPerInterval: cfg.RequestsPerInterval,
		RateInterval:        cfg.RateInterval,
		DefaultRunTimeout:   cfg.DefaultRunTimeout,
		AgentBin:            cfg.AgentBin,
	}, runStore, bcast, eventBus, engineMetrics, log)

	orch := orchestrator.New(runStore, eng, bcast, eventBus, orchestrator.Options{
		Retention: cfg.Retention(),
	}, log)

	orch.Start(ctx)
	log.Info("engine started",
		"max_concurrency", cfg.MaxConcurrency,
		"agent_bin", cfg.AgentBin,
		"db_path", cfg.DBPath,
	)

	server := controller.New(fmt.Sprintf(":%d", cfg.HTTPPort), orch, metricsHandler, log)
	serverErr := make(chan error, 1)
	go func() {
		log.Info("api listening", "port", cfg.HTTPPort)
		serverErr <- server.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := orch.Stop(stopCtx); err != nil {
		log.Warn("engine did not drain cleanly", "error", err)
	}

	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
