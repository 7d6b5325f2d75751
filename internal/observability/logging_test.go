package observability

import (
	"context"
	"errors"
	"testing"

	"icfesprep/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &Logger{Logger: zap.New(core)}, logs
}

func TestLogger_StampsTraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	logger, logs := newObservedLogger(zap.InfoLevel)

	ctx, span := tp.Tracer("cat").Start(context.Background(), "submit_answer")
	logger.Info(ctx, "Answer recorded", map[string]interface{}{"item_id": 42})
	span.End()

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
	assert.EqualValues(t, 42, fields["item_id"])
}

func TestLogger_NoSpanNoTraceFields(t *testing.T) {
	logger, logs := newObservedLogger(zap.InfoLevel)

	logger.Info(context.Background(), "Session started", nil)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.NotContains(t, fields, "trace_id")
	assert.NotContains(t, fields, "span_id")
}

func TestLogger_ErrorAddsErrorField(t *testing.T) {
	logger, logs := newObservedLogger(zap.InfoLevel)

	logger.Error(context.Background(), "Reaper run failed", errors.New("store unavailable"),
		map[string]interface{}{"instance": "default"}, nil, map[string]interface{}{"batch": 3})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zap.ErrorLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "store unavailable", fields["error"])
	assert.Equal(t, "default", fields["instance"])
	assert.EqualValues(t, 3, fields["batch"])
}

func TestLogger_DoesNotMutateCallerFields(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	logger, _ := newObservedLogger(zap.InfoLevel)

	fields := map[string]interface{}{"subject": "matematicas"}
	ctx, span := tp.Tracer("cat").Start(context.Background(), "start_session")
	logger.Info(ctx, "Session started", fields)
	logger.Error(ctx, "Session failed", errors.New("boom"), fields)
	span.End()

	assert.Equal(t, map[string]interface{}{"subject": "matematicas"}, fields)
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, logs := newObservedLogger(zap.WarnLevel)
	ctx := context.Background()

	logger.Debug(ctx, "selector candidates")
	logger.Info(ctx, "Session started")
	logger.Warn(ctx, "Fallback pool used")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Fallback pool used", logs.All()[0].Message)
}

func TestLogger_With(t *testing.T) {
	logger, logs := newObservedLogger(zap.InfoLevel)

	assert.Same(t, logger, logger.With(nil))

	child := logger.With(map[string]interface{}{"instance": "reaper-a"})
	child.Info(context.Background(), "Reaper paused")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "reaper-a", logs.All()[0].ContextMap()["instance"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zap.DebugLevel},
		{" WARN ", zap.WarnLevel},
		{"warning", zap.WarnLevel},
		{"error", zap.ErrorLevel},
		{"info", zap.InfoLevel},
		{"", zap.InfoLevel},
		{"verbose", zap.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestNewLogger_Disabled(t *testing.T) {
	for _, cfg := range []*config.OpenTelemetryConfig{nil, {EnableLogging: false}} {
		logger := NewLogger(cfg)
		require.NotNil(t, logger)
		assert.NoError(t, logger.Shutdown(context.Background()))
	}
}
