package observability

import (
	contextutils "icfesprep/internal/utils"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FinishSpan ends span after tagging it with the error in *errPtr, if any.
// Meant for a named error return: `defer observability.FinishSpan(span, &err)`.
//
// Caller mistakes such as a duplicate submission or an unknown session only
// get the error code attribute. Engine failures also set the span status.
func FinishSpan(span trace.Span, errPtr *error) {
	if span == nil {
		return
	}
	defer span.End()
	if errPtr == nil || *errPtr == nil {
		return
	}

	err := *errPtr
	span.SetAttributes(
		attribute.String("error.code", string(contextutils.GetErrorCode(err))),
		attribute.String("error.severity", string(contextutils.GetErrorSeverity(err))),
	)
	if contextutils.IsClientError(err) {
		return
	}
	span.RecordError(err, trace.WithStackTrace(true))
	span.SetStatus(codes.Error, err.Error())
}
