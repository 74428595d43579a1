// Kestrel - Adaptive fraud scoring with an auditable investigation loop.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
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
	"github.com/opensource-finance/kestrel/internal/clock"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kestrel exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	path := config.Path()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"path", path,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	eng, err := engine.New(ctx, cfg, repo, cacheImpl, busImpl, clock.System{})
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	if path != "" {
		watcher, err := config.Watch(path, func(next *domain.Config) {
			if err := eng.Reload(ctx, next); err != nil {
				slog.Error("configuration reload rejected", "error", err)
			}
		})
		if err != nil {
			slog.Warn("configuration hot reload disabled", "path", path, "error", err)
		} else {
			defer watcher.Close()
		}
	}

	var ingest *worker.Worker
	if cfg.Worker.Enabled {
		ingest = worker.NewWorker(busImpl, eng)
		if err := ingest.Start(cfg.Worker.TenantIDs); err != nil {
			slog.Error("failed to start ingestion worker", "error", err)
			ingest = nil
		}
	}

	scheduler, err := worker.NewScheduler(
		worker.Job{
			Name:     "adaptation",
			Interval: cfg.Adaptation.Interval,
			Run: func(ctx context.Context) error {
				_, err := eng.RunAdaptationCycle(ctx)
				return err
			},
		},
		worker.Job{
			Name:     "close-expired-alerts",
			Interval: cfg.Lifecycle.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := eng.CloseExpiredAlerts(ctx)
				return err
			},
		},
	)
	if err != nil {
		return err
	}
	scheduler.Start(ctx)

	srv := api.NewServer(cfg.Server, eng, repo, cacheImpl, busImpl, Version)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"worker", ingest != nil,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
	}

	if ingest != nil {
		if err := ingest.Stop(); err != nil {
			slog.Error("failed to stop ingestion worker", "error", err)
		}
	}
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
