package observability

import (
	"context"
	"errors"
	"os"

	"icfesprep/internal/config"
	contextutils "icfesprep/internal/utils"

	autosdk "go.opentelemetry.io/auto/sdk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the providers a binary installs at startup
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  *metric.MeterProvider
	Logger         *Logger
}

// SetupObservability installs tracing, metrics and logging for serviceName.
// logLevel is the server.log_level value.
func SetupObservability(cfg *config.OpenTelemetryConfig, serviceName, logLevel string) (*Telemetry, error) {
	if serviceName != "" {
		cfg.ServiceName = serviceName
	}
	if err := os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName); err != nil {
		return nil, contextutils.WrapError(err, "failed to export OTEL_SERVICE_NAME")
	}
	if err := os.Setenv("OTEL_SERVICE_VERSION", cfg.ServiceVersion); err != nil {
		return nil, contextutils.WrapError(err, "failed to export OTEL_SERVICE_VERSION")
	}

	tel := &Telemetry{Logger: NewLoggerWithLevel(cfg, ParseLevel(logLevel))}
	ctx := context.Background()

	if cfg.EnableTracing {
		if cfg.UseAutoSDK {
			tel.TracerProvider = autosdk.TracerProvider()
		} else {
			tp, err := InitStandardTracing(cfg)
			if err != nil {
				return nil, err
			}
			tel.TracerProvider = tp
		}
		otel.SetTracerProvider(tel.TracerProvider)
		if err := InitTracing(cfg); err != nil {
			return nil, err
		}
		InitGlobalTracer()
		tel.Logger.Info(ctx, "Tracing enabled", map[string]interface{}{
			"service_name": cfg.ServiceName,
			"auto_sdk":     cfg.UseAutoSDK,
		})
	}

	if cfg.EnableMetrics {
		mp, err := InitMetrics(cfg)
		if err != nil {
			return nil, err
		}
		tel.MeterProvider = mp
	}

	return tel, nil
}

// Shutdown flushes and stops every provider. Errors are joined so one failing
// exporter does not keep the others from draining.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error
	if sdkTP, ok := t.TracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		if err := sdkTP.Shutdown(ctx); err != nil {
			errs = append(errs, contextutils.WrapError(err, "tracer provider shutdown"))
		}
	}
	if t.MeterProvider != nil {
		if err := t.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, contextutils.WrapError(err, "meter provider shutdown"))
		}
	}
	if t.Logger != nil {
		_ = t.Logger.Sync()
		if err := t.Logger.Shutdown(ctx); err != nil {
			errs = append(errs, contextutils.WrapError(err, "logger provider shutdown"))
		}
	}
	return errors.Join(errs...)
}
