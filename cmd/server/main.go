// Package main provides the entry point for the ICFES adaptive testing API server.
// It wires the service container and serves the session and item bank routes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"icfesprep/internal/config"
	"icfesprep/internal/di"
	"icfesprep/internal/handlers"
	"icfesprep/internal/observability"
	contextutils "icfesprep/internal/utils"
	"icfesprep/internal/version"
)

// Application encapsulates the main application logic and can be tested
type Application struct {
	container di.ServiceContainerInterface
	server    *http.Server
}

// NewApplication creates a new application instance
func NewApplication(container di.ServiceContainerInterface) (*Application, error) {
	sessionService, err := container.GetAdaptiveSessionService()
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to get adaptive session service")
	}

	itemBankService, err := container.GetItemBankService()
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to get item bank service")
	}

	cfg := container.GetConfig()
	router, err := handlers.NewRouter(cfg, sessionService, itemBankService, container.GetLogger())
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to build router")
	}

	return &Application{
		container: container,
		server: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: config.DefaultHTTPTimeout,
		},
	}, nil
}

// Run serves until ctx is cancelled or the listener fails
func (a *Application) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		return contextutils.WrapError(err, "server failed")
	}
}

// Shutdown drains in-flight requests, then releases the container
func (a *Application) Shutdown(ctx context.Context) error {
	if err := a.server.Shutdown(ctx); err != nil {
		return contextutils.WrapError(err, "http server shutdown")
	}
	return a.container.Shutdown(ctx)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.OpenTelemetry.ServiceVersion = version.Version

	telemetry, err := observability.SetupObservability(&cfg.OpenTelemetry, "icfes-backend", cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize observability: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer shutdownCancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down telemetry: %v\n", err)
		}
	}()

	logger.Info(ctx, "Starting ICFES backend service", map[string]interface{}{
		"port":             cfg.Server.Port,
		"logLevel":         cfg.Server.LogLevel,
		"database_driver":  cfg.Database.Driver,
		"exposure_backend": cfg.Exposure.Backend,
		"version":          version.Version,
	})

	container := di.NewServiceContainer(cfg, logger)
	if err := container.Initialize(ctx); err != nil {
		logger.Error(ctx, "Failed to initialize services", err, nil)
		os.Exit(1)
	}

	app, err := NewApplication(container)
	if err != nil {
		logger.Error(ctx, "Failed to create application", err, nil)
		_ = container.Shutdown(context.Background())
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		logger.Error(ctx, "Application failed", err, nil)
		_ = container.Shutdown(context.Background())
		os.Exit(1)
	}
	logger.Info(context.Background(), "Received shutdown signal, shutting down gracefully", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Error during application shutdown", err, nil)
		os.Exit(1)
	}

	logger.Info(shutdownCtx, "Shutdown completed successfully", nil)
}
