package observability

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "icfes-cat"

var cachedTracer atomic.Pointer[trace.Tracer]

// InitGlobalTracer rebinds the package tracer to the current global provider
func InitGlobalTracer() {
	t := otel.Tracer(tracerName)
	cachedTracer.Store(&t)
}

func tracer() trace.Tracer {
	if t := cachedTracer.Load(); t != nil {
		return *t
	}
	InitGlobalTracer()
	return *cachedTracer.Load()
}

// startSpan names spans "<component>.<function>", e.g. "session.submit_answer"
func startSpan(ctx context.Context, component, functionName string, attributes []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, component+"."+functionName, trace.WithAttributes(attributes...))
}

func TraceSessionFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return startSpan(ctx, "session", functionName, attributes)
}

func TraceItemBankFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return startSpan(ctx, "itembank", functionName, attributes)
}

func TraceExposureFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return startSpan(ctx, "exposure", functionName, attributes)
}

func TraceWorkerFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return startSpan(ctx, "worker", functionName, attributes)
}

func TraceHandlerFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return startSpan(ctx, "handler", functionName, attributes)
}

func TraceDatabaseFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return startSpan(ctx, "database", functionName, attributes)
}

// Span attribute keys shared by every component
const (
	attrItemID        = attribute.Key("item.id")
	attrUserID        = attribute.Key("user.id")
	attrSubject       = attribute.Key("subject_area")
	attrSessionID     = attribute.Key("session.id")
	attrTheta         = attribute.Key("ability.theta")
	attrStandardError = attribute.Key("ability.standard_error")
	attrLimit         = attribute.Key("limit")
)

func AttributeItemID(id int) attribute.KeyValue            { return attrItemID.Int(id) }
func AttributeUserID(id string) attribute.KeyValue         { return attrUserID.String(id) }
func AttributeSubject(subject string) attribute.KeyValue   { return attrSubject.String(subject) }
func AttributeSessionID(id string) attribute.KeyValue      { return attrSessionID.String(id) }
func AttributeTheta(theta float64) attribute.KeyValue      { return attrTheta.Float64(theta) }
func AttributeStandardError(se float64) attribute.KeyValue { return attrStandardError.Float64(se) }
func AttributeLimit(limit int) attribute.KeyValue          { return attrLimit.Int(limit) }
