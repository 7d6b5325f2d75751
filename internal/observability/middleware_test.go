package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	contextutils "icfesprep/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func setupRecordingTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(t.Context())
		otel.SetTracerProvider(previous)
	})
	return recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestGinMiddleware_BasicFunctionality(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinMiddleware("test-service"))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	req, _ := http.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestGinMiddlewareWithErrorHandling_SuccessLeavesSpanUnset(t *testing.T) {
	recorder := setupRecordingTracer(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinMiddlewareWithErrorHandling("test-service")...)
	router.GET("/ok", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	req, _ := http.NewRequest("GET", "/ok", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
	_, found := spanAttr(spans[0], "error.severity")
	assert.False(t, found)
}

func serveWithErrorHandling(t *testing.T, status int, appErr error) (sdktrace.ReadOnlySpan, int) {
	t.Helper()
	recorder := setupRecordingTracer(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	outerErrors := -1
	router.Use(func(c *gin.Context) {
		c.Next()
		outerErrors = len(c.Errors)
	})
	router.Use(GinMiddlewareWithErrorHandling("test-service")...)
	router.POST("/sessions/:id/answers", func(c *gin.Context) {
		c.Set(ContextKeyUserID, "student-7")
		if appErr != nil {
			_ = c.Error(appErr)
		}
		c.JSON(status, gin.H{"error": "failed"})
	})

	req, _ := http.NewRequest("POST", "/sessions/abc/answers", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, status, w.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	return spans[0], outerErrors
}

func exceptionMessages(span sdktrace.ReadOnlySpan) []string {
	var messages []string
	for _, event := range span.Events() {
		for _, kv := range event.Attributes {
			if kv.Key == "exception.message" {
				messages = append(messages, kv.Value.AsString())
			}
		}
	}
	return messages
}

func TestGinMiddlewareWithErrorHandling_ClientErrorOnlyTagsSpan(t *testing.T) {
	span, outerErrors := serveWithErrorHandling(t, http.StatusConflict, contextutils.ErrDuplicateSubmission)

	assert.Equal(t, codes.Unset, span.Status().Code)
	assert.Empty(t, exceptionMessages(span))
	assert.Equal(t, 1, outerErrors, "errors are handed back to outer middleware")

	code, ok := spanAttr(span, "error.code")
	require.True(t, ok)
	assert.Equal(t, "DUPLICATE_SUBMISSION", code.AsString())

	severity, ok := spanAttr(span, "error.severity")
	require.True(t, ok)
	assert.Equal(t, "info", severity.AsString())

	message, ok := spanAttr(span, "error.message")
	require.True(t, ok)
	assert.Equal(t, "Item already answered in this session", message.AsString())

	user, ok := spanAttr(span, "error.user_id")
	require.True(t, ok)
	assert.Equal(t, "student-7", user.AsString())
}

func TestGinMiddlewareWithErrorHandling_EngineErrorBelow500UsesAppErrorMessage(t *testing.T) {
	span, outerErrors := serveWithErrorHandling(t, http.StatusRequestTimeout, contextutils.ErrTimeout)

	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "Request timeout", span.Status().Description)
	assert.Equal(t, []string{"Request timeout"}, exceptionMessages(span))
	assert.Equal(t, 1, outerErrors)
}

func TestGinMiddlewareWithErrorHandling_ServerErrorFailsSpan(t *testing.T) {
	span, outerErrors := serveWithErrorHandling(t, http.StatusInternalServerError, contextutils.ErrDatabaseQuery)

	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, []string{"Database query failed"}, exceptionMessages(span))
	assert.Equal(t, 1, outerErrors)

	message, ok := spanAttr(span, "error.message")
	require.True(t, ok)
	assert.Equal(t, "Database query failed", message.AsString())

	_, isServer := spanAttr(span, "error.server_error")
	assert.True(t, isServer)
}

func TestGinMiddlewareWithErrorHandling_StatusCodes(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantSeverity string
		wantCode     codes.Code
	}{
		{"bad request", http.StatusBadRequest, "warn", codes.Unset},
		{"not found", http.StatusNotFound, "warn", codes.Unset},
		{"unauthorized", http.StatusUnauthorized, "warn", codes.Unset},
		{"server error", http.StatusInternalServerError, "error", codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			span, outerErrors := serveWithErrorHandling(t, tt.status, nil)

			assert.Equal(t, tt.wantCode, span.Status().Code)
			assert.Equal(t, 0, outerErrors)

			severity, ok := spanAttr(span, "error.severity")
			require.True(t, ok)
			assert.Equal(t, tt.wantSeverity, severity.AsString())

			_, isServer := spanAttr(span, "error.server_error")
			assert.Equal(t, tt.status >= 500, isServer)
		})
	}
}
