package middleware

import (
	"bytes"
	"io"

	"icfesprep/internal/observability"
	contextutils "icfesprep/internal/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// maxValidatedBodyBytes bounds the bodies buffered for validation
const maxValidatedBodyBytes = 1 << 20

// RequestValidationMiddleware validates the JSON body against schemaName
// before the handler runs and restores the body for binding.
func RequestValidationMiddleware(logger *observability.Logger, loader *SchemaLoader, schemaName string) gin.HandlerFunc {
	if !loader.Has(schemaName) {
		panic("middleware: unknown request schema " + schemaName)
	}

	return func(c *gin.Context) {
		ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "request_validation",
			attribute.String("schema.name", schemaName),
		)
		defer span.End()

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxValidatedBodyBytes+1))
		if err != nil {
			HandleAppError(c, contextutils.WrapError(contextutils.ErrInvalidInput, "failed to read request body"))
			c.Abort()
			return
		}
		if len(body) > maxValidatedBodyBytes {
			HandleAppError(c, contextutils.WrapError(contextutils.ErrInvalidInput, "request body too large"))
			c.Abort()
			return
		}

		if err := loader.ValidateBytes(body, schemaName); err != nil {
			span.SetAttributes(attribute.Bool("validation.passed", false))
			logger.Warn(ctx, "Request validation failed", map[string]interface{}{
				"method":      c.Request.Method,
				"path":        c.Request.URL.Path,
				"schema_name": schemaName,
				"error":       err.Error(),
			})
			HandleAppError(c, err)
			c.Abort()
			return
		}

		span.SetAttributes(attribute.Bool("validation.passed", true))
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
