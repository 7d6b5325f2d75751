// Package main provides the entry point for the ICFES session reaper worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"icfesprep/internal/config"
	"icfesprep/internal/di"
	"icfesprep/internal/handlers"
	"icfesprep/internal/observability"
	"icfesprep/internal/version"
	"icfesprep/internal/worker"
)

// fatalIfErr logs the error with context and panics with a consistent message
func fatalIfErr(ctx context.Context, logger *observability.Logger, msg string, err error, fields map[string]interface{}) {
	logger.Error(ctx, msg, err, fields)
	panic(msg + ": " + err.Error())
}

func main() {
	ctx := context.Background()

	cfg, err := config.NewConfig()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}
	cfg.OpenTelemetry.ServiceVersion = version.Version

	telemetry, err := observability.SetupObservability(&cfg.OpenTelemetry, "icfes-worker", cfg.Server.LogLevel)
	if err != nil {
		panic("Failed to initialize observability: " + err.Error())
	}
	logger := telemetry.Logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.WorkerShutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "Error shutting down telemetry", map[string]interface{}{"error": err.Error()})
		}
	}()

	reaperCfg := worker.ConfigFromApp(cfg)
	logger.Info(ctx, "Starting ICFES worker service", map[string]interface{}{
		"port":               cfg.Server.WorkerPort,
		"logLevel":           cfg.Server.LogLevel,
		"debug":              cfg.Server.Debug,
		"inactivity_timeout": reaperCfg.InactivityTimeout.String(),
	})

	// Migrations are applied by the API server
	container := di.NewServiceContainer(cfg, logger, di.WithoutMigrations())
	if err := container.Initialize(ctx); err != nil {
		fatalIfErr(ctx, logger, "Failed to initialize services", err, map[string]interface{}{"db_driver": cfg.Database.Driver})
	}
	defer func() {
		if err := container.Shutdown(context.Background()); err != nil {
			logger.Warn(ctx, "Warning: failed to shut down services", map[string]interface{}{"error": err.Error()})
		}
	}()

	sessionService, err := container.GetAdaptiveSessionService()
	if err != nil {
		fatalIfErr(ctx, logger, "Failed to get adaptive session service", err, nil)
	}

	reaper := worker.NewSessionReaper(sessionService, "default", reaperCfg, logger)
	go reaper.Start(ctx)

	router := handlers.NewWorkerRouter(cfg, reaper, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.WorkerPort,
		Handler:           router,
		ReadHeaderTimeout: config.DefaultHTTPTimeout,
	}

	go func() {
		logger.Info(ctx, "Worker server starting", map[string]interface{}{"port": cfg.Server.WorkerPort})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalIfErr(ctx, logger, "Failed to start worker server", err, map[string]interface{}{"port": cfg.Server.WorkerPort})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info(ctx, "Worker server shutting down", map[string]interface{}{"service": "worker"})

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, config.WorkerShutdownTimeout)
	defer shutdownCancel()

	// Stop the reaper first so no run is mid-transaction when the store closes
	if err := reaper.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "Warning: failed to shutdown reaper", map[string]interface{}{"error": err.Error(), "service": "worker"})
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		fatalIfErr(ctx, logger, "Worker server forced to shutdown", err, map[string]interface{}{"service": "worker"})
	}

	logger.Info(ctx, "Worker server exited", map[string]interface{}{"service": "worker"})
}
