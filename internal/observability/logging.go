// Package observability provides OpenTelemetry tracing, metrics, and structured logging
// with trace correlation for the ICFES adaptive testing engine.
package observability

import (
	"context"
	"os"
	"strings"

	"icfesprep/internal/config"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap and stamps every entry with the active trace and span ids
type Logger struct {
	*zap.Logger
	provider *log.LoggerProvider
}

// NewLogger creates an info level logger
func NewLogger(cfg *config.OpenTelemetryConfig) *Logger {
	return NewLoggerWithLevel(cfg, zap.InfoLevel)
}

// ParseLevel maps server.log_level onto a zap level. Unknown values fall back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// NewLoggerWithLevel builds the stdout logger and, when an endpoint is set,
// tees it into an OTLP log exporter.
func NewLoggerWithLevel(cfg *config.OpenTelemetryConfig, level zapcore.Level) *Logger {
	if cfg == nil || !cfg.EnableLogging {
		return &Logger{Logger: zap.NewNop()}
	}

	zapConfig := zap.NewProductionConfig()
	if os.Getenv("ENV") == "development" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zapConfig.Build()
	if err != nil {
		zapLogger = zap.NewExample()
	}
	zapLogger = zapLogger.With(zap.String("service", cfg.ServiceName))

	if cfg.Endpoint == "" {
		return &Logger{Logger: zapLogger}
	}

	otelCore, provider, err := newOTLPCore(cfg)
	if err != nil {
		zapLogger.Error("OTLP log export disabled", zap.Error(err), zap.String("endpoint", cfg.Endpoint))
		return &Logger{Logger: zapLogger}
	}

	zapLogger = zap.New(zapcore.NewTee(zapLogger.Core(), otelCore))
	zapLogger.Debug("OTLP log export enabled", zap.String("endpoint", cfg.Endpoint))
	return &Logger{Logger: zapLogger, provider: provider}
}

func newOTLPCore(cfg *config.OpenTelemetryConfig) (zapcore.Core, *log.LoggerProvider, error) {
	ctx := context.Background()
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlploggrpc.Option{
		otlploggrpc.WithEndpoint(cfg.Endpoint),
		otlploggrpc.WithHeaders(cfg.Headers),
	}
	if cfg.Insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	exporter, err := otlploggrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}

	provider := log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(exporter)),
		log.WithResource(res),
	)
	return otelzap.NewCore("icfesprep", otelzap.WithLoggerProvider(provider)), provider, nil
}

// With returns a child logger that adds fields to every entry
func (l *Logger) With(fields map[string]interface{}) *Logger {
	if len(fields) == 0 {
		return l
	}
	return &Logger{Logger: l.Logger.With(toZapFields(fields)...), provider: l.provider}
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, zap.DebugLevel, msg, mergeFields(fields...))
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, zap.InfoLevel, msg, mergeFields(fields...))
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, zap.WarnLevel, msg, mergeFields(fields...))
}

// Error logs at error level with err under the "error" key
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	merged := mergeFields(fields...)
	if err != nil {
		merged["error"] = err.Error()
	}
	l.log(ctx, zap.ErrorLevel, msg, merged)
}

func (l *Logger) log(ctx context.Context, level zapcore.Level, msg string, fields map[string]interface{}) {
	ce := l.Logger.Check(level, msg)
	if ce == nil {
		return
	}

	if spanContext := trace.SpanContextFromContext(ctx); spanContext.IsValid() {
		fields["trace_id"] = spanContext.TraceID().String()
		fields["span_id"] = spanContext.SpanID().String()
	}
	ce.Write(toZapFields(fields)...)
}

// mergeFields always returns a fresh map so callers' maps are never mutated
func mergeFields(fields ...map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, fieldMap := range fields {
		for k, v := range fieldMap {
			merged[k] = v
		}
	}
	return merged
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return zapFields
}

// Sync flushes buffered entries and the OTLP batch processor, if any
func (l *Logger) Sync() error {
	err := l.Logger.Sync()
	if l.provider != nil {
		if flushErr := l.provider.ForceFlush(context.Background()); flushErr != nil && err == nil {
			err = flushErr
		}
	}
	return err
}

// Shutdown stops the OTLP log exporter
func (l *Logger) Shutdown(ctx context.Context) error {
	if l.provider == nil {
		return nil
	}
	return l.provider.Shutdown(ctx)
}
