package observability

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	contextutils "icfesprep/internal/utils"
)

// ContextKeyUserID is the gin context key handlers use to expose the student id to middleware
const ContextKeyUserID = "user_id"

// GinMiddleware creates OpenTelemetry middleware for Gin HTTP requests
func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName)
}

// GinMiddlewareWithErrorHandling returns the otelgin middleware wrapped by
// handlers that annotate the request span with the error outcome. Client
// errors only tag the span; engine failures also set its status to Error.
// Register with router.Use(GinMiddlewareWithErrorHandling("svc")...).
func GinMiddlewareWithErrorHandling(serviceName string) gin.HandlersChain {
	return gin.HandlersChain{restoreGinErrors, otelgin.Middleware(serviceName), recordSpanErrors}
}

// heldErrorsKey holds c.Errors while otelgin finishes, since otelgin marks the
// span as failed whenever c.Errors is non-empty.
const heldErrorsKey = "observability.held_errors"

func restoreGinErrors(c *gin.Context) {
	c.Next()

	if held, ok := c.Get(heldErrorsKey); ok {
		c.Errors = append(held.([]*gin.Error), c.Errors...)
	}
}

// recordSpanErrors runs inside the otelgin span and annotates it after the handler chain returns
func recordSpanErrors(c *gin.Context) {
	c.Next()

	if len(c.Errors) > 0 {
		c.Set(heldErrorsKey, []*gin.Error(c.Errors))
		defer func() { c.Errors = nil }()
	}

	statusCode := c.Writer.Status()
	if statusCode < 400 {
		return
	}

	span := trace.SpanFromContext(c.Request.Context())
	if !span.IsRecording() {
		return
	}

	appErr := firstAppError(c.Errors)
	errorMsg := "client error"
	if statusCode >= 500 {
		errorMsg = "server error"
	}
	switch {
	case appErr != nil:
		errorMsg = appErr.Message
	case len(c.Errors) > 0:
		errorMsg = c.Errors.Last().Err.Error()
	}

	span.SetAttributes(
		attribute.Int("http.status_code", statusCode),
		attribute.String("http.method", c.Request.Method),
		attribute.String("http.path", c.Request.URL.Path),
		attribute.String("error.handler", c.HandlerName()),
		attribute.String("error.severity", determineErrorSeverity(statusCode, c.Errors)),
		attribute.String("error.message", errorMsg),
	)

	if userID := c.GetString(ContextKeyUserID); userID != "" {
		span.SetAttributes(attribute.String("error.user_id", userID))
	}

	if c.Request.ContentLength > 0 {
		span.SetAttributes(attribute.Int64("error.request_size", c.Request.ContentLength))
	}

	if appErr != nil {
		span.SetAttributes(
			attribute.String("error.code", string(appErr.Code)),
			attribute.Bool("error.retryable", contextutils.IsRetryable(appErr)),
		)
	}

	if statusCode >= 500 {
		span.SetAttributes(attribute.Bool("error.server_error", true))
	}

	if statusCode < 500 && (appErr == nil || contextutils.IsClientError(appErr)) {
		return
	}

	span.RecordError(errors.New(errorMsg), trace.WithStackTrace(true))
	// otelgin resets the description of 5xx spans; error.message keeps it
	span.SetStatus(codes.Error, errorMsg)
}

func firstAppError(errs []*gin.Error) *contextutils.AppError {
	for _, err := range errs {
		var appErr *contextutils.AppError
		if errors.As(err.Err, &appErr) {
			return appErr
		}
	}
	return nil
}

// determineErrorSeverity determines the severity level based on status code and error types
func determineErrorSeverity(statusCode int, errs []*gin.Error) string {
	if appErr := firstAppError(errs); appErr != nil {
		return string(appErr.Severity)
	}

	switch {
	case statusCode >= 500:
		return string(contextutils.SeverityError)
	case statusCode >= 400:
		return string(contextutils.SeverityWarn)
	default:
		return string(contextutils.SeverityInfo)
	}
}
