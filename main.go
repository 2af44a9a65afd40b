package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wearable-sync/internal/app"
	"wearable-sync/internal/config"
	"wearable-sync/internal/metrics"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting wearable-sync server",
		"version", version,
		"host", cfg.Host,
		"port", cfg.Port,
		"database_driver", cfg.DatabaseDriver,
		"trigger_backend", cfg.TriggerBackend,
		"timezone", cfg.UserTimezone,
		"log_level", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	logger.Info("Database opened successfully")

	a, err := app.Build(cfg, store, version)
	if err != nil {
		logger.Error("Failed to build application", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      a.Router(),
		ReadTimeout:  35 * time.Second,
		WriteTimeout: 90 * time.Second, // a sync may refresh a token and then fetch
		IdleTimeout:  120 * time.Second,
	}

	// Background tasks
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting background task", "task", name)
			fn(ctx)
		}()
	}

	run("scheduler", func(ctx context.Context) {
		if err := a.Scheduler.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("Sync scheduler failed", "error", err)
		}
	})
	run("revalidator", a.Revalidator.Run)
	run("oauth_state_cleanup", a.OAuth.CleanupStates)

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		run("connection_collector", func(ctx context.Context) {
			metrics.StartConnectionCollector(ctx, store, 30*time.Second)
		})

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsAddr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsServer = &http.Server{
			Addr:    metricsAddr,
			Handler: metricsMux,
		}

		go func() {
			logger.Info("Metrics server listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	// Stop background tasks, then drain pending recompute triggers
	cancel()
	wg.Wait()
	if err := a.Close(); err != nil {
		logger.Error("Failed to release resources", "error", err)
	}

	logger.Info("Server stopped")
}
