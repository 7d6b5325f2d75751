package observability

import (
	"context"

	"icfesprep/internal/config"
	contextutils "icfesprep/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes OpenTelemetry metrics
func InitMetrics(cfg *config.OpenTelemetryConfig) (result0 *metric.MeterProvider, err error) {
	ctx := context.Background()

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var exporter metric.Exporter
	switch cfg.Protocol {
	case "grpc":
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err = otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to create otlp grpc metric exporter: %w", err)
		}
	case "http":
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(cfg.Endpoint),
			otlpmetrichttp.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to create otlp http metric exporter: %w", err)
		}
	default:
		return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "unsupported otel protocol: %s", cfg.Protocol)
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter)),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// CATMetrics records adaptive testing activity. Instruments come from the global
// meter provider, which is a no-op until InitMetrics installs a real one.
type CATMetrics struct {
	sessionsStarted  otelmetric.Int64Counter
	answersSubmitted otelmetric.Int64Counter
	sessionsFinished otelmetric.Int64Counter
	standardError    otelmetric.Float64Histogram
	sessionsReaped   otelmetric.Int64Counter
}

// NewCATMetrics creates the adaptive testing instruments
func NewCATMetrics() *CATMetrics {
	return NewCATMetricsWithMeter(otel.Meter(tracerName))
}

// NewCATMetricsWithMeter creates the instruments on a specific meter
func NewCATMetricsWithMeter(meter otelmetric.Meter) *CATMetrics {
	m := &CATMetrics{}
	// Instrument constructors only fail on invalid names; the returned
	// instrument is still a usable no-op in that case.
	m.sessionsStarted, _ = meter.Int64Counter("cat.sessions.started",
		otelmetric.WithDescription("Adaptive test sessions started"))
	m.answersSubmitted, _ = meter.Int64Counter("cat.answers.submitted",
		otelmetric.WithDescription("Answers scored by the adaptive engine"))
	m.sessionsFinished, _ = meter.Int64Counter("cat.sessions.finished",
		otelmetric.WithDescription("Adaptive test sessions that left the active state"))
	m.standardError, _ = meter.Float64Histogram("cat.ability.standard_error",
		otelmetric.WithDescription("Standard error of the ability estimate after each answer"))
	m.sessionsReaped, _ = meter.Int64Counter("cat.sessions.reaped",
		otelmetric.WithDescription("Inactive sessions abandoned by the reaper"))
	return m
}

// SessionStarted counts a new session for a subject
func (m *CATMetrics) SessionStarted(ctx context.Context, subject string) {
	if m == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("subject_area", subject)))
}

// AnswerSubmitted counts a scored answer and records the resulting standard error
func (m *CATMetrics) AnswerSubmitted(ctx context.Context, subject string, correct bool, se float64) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("subject_area", subject),
		attribute.Bool("correct", correct),
	)
	m.answersSubmitted.Add(ctx, 1, attrs)
	m.standardError.Record(ctx, se, otelmetric.WithAttributes(attribute.String("subject_area", subject)))
}

// SessionFinished counts a session ending with the given status and reason
func (m *CATMetrics) SessionFinished(ctx context.Context, subject, status, reason string) {
	if m == nil {
		return
	}
	m.sessionsFinished.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("subject_area", subject),
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
}

// SessionsReaped counts sessions abandoned for inactivity
func (m *CATMetrics) SessionsReaped(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sessionsReaped.Add(ctx, int64(n))
}
