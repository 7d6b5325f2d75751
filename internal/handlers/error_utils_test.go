package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	contextutils "icfesprep/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveError(t *testing.T, handle func(c *gin.Context), header string) (int, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/test", handle)

	req, _ := http.NewRequest("GET", "/test", nil)
	if header != "" {
		req.Header.Set("Accept-Language", header)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return w.Code, response
}

func TestStandardizeHTTPError(t *testing.T) {
	code, response := serveError(t, func(c *gin.Context) {
		StandardizeHTTPError(c, http.StatusBadRequest, "Invalid input", "Field 'user_id' is required")
	}, "")

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid input", response["message"])
	assert.Equal(t, "Field 'user_id' is required", response["details"])
	assert.Equal(t, "INVALID_INPUT", response["code"])
	assert.Equal(t, "Entrada inválida", response["localized_message"])
}

func TestHandleAppError_StatusMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{contextutils.ErrSessionNotFound, http.StatusNotFound},
		{contextutils.ErrItemNotFound, http.StatusNotFound},
		{contextutils.ErrSessionNotActive, http.StatusConflict},
		{contextutils.ErrDuplicateSubmission, http.StatusConflict},
		{contextutils.ErrInvalidItemParameters, http.StatusInternalServerError},
		{contextutils.ErrValidationFailed, http.StatusBadRequest},
		{contextutils.ErrMissingRequired, http.StatusBadRequest},
		{contextutils.ErrUnauthorized, http.StatusUnauthorized},
		{contextutils.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{contextutils.WrapErrorf(contextutils.ErrSessionNotActive, "session %s is completed", "abc"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			code, response := serveError(t, func(c *gin.Context) { HandleAppError(c, tt.err) }, "")
			assert.Equal(t, tt.wantStatus, code)
			assert.Contains(t, response, "retryable")
		})
	}
}

func TestHandleAppError_WrappedKeepsCodeAndMessage(t *testing.T) {
	err := contextutils.WrapErrorf(contextutils.ErrDuplicateSubmission, "item %d already answered", 12)
	_, response := serveError(t, func(c *gin.Context) { HandleAppError(c, err) }, "en-US,en;q=0.8")

	assert.Equal(t, "DUPLICATE_SUBMISSION", response["code"])
	assert.Equal(t, "item 12 already answered", response["message"])
	assert.Equal(t, "Item already answered in this session", response["localized_message"])
}

func TestHandleAppError_Retryable(t *testing.T) {
	_, response := serveError(t, func(c *gin.Context) { HandleAppError(c, contextutils.ErrServiceUnavailable) }, "")
	assert.Equal(t, true, response["retryable"])
}

func TestHandleValidationError(t *testing.T) {
	code, response := serveError(t, func(c *gin.Context) {
		HandleValidationError(c, "theta", "abc", "must be a number")
	}, "es-CO")

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid theta", response["message"])
	assert.Equal(t, "Value 'abc' is invalid: must be a number", response["details"])
	assert.Equal(t, "INVALID_INPUT", response["code"])
}
