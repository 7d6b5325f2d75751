package contextutils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		expected string
	}{
		{
			name: "error with details",
			appError: &AppError{
				Code:     ErrorCodeInvalidItemParameters,
				Severity: SeverityError,
				Message:  "Item has invalid IRT parameters",
				Details:  "discrimination_a must be > 0",
			},
			expected: "INVALID_ITEM_PARAMETERS: Item has invalid IRT parameters - discrimination_a must be > 0",
		},
		{
			name: "error without details",
			appError: &AppError{
				Code:     ErrorCodeSessionNotFound,
				Severity: SeverityInfo,
				Message:  "Test session not found",
			},
			expected: "SESSION_NOT_FOUND: Test session not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.appError.Error())
		})
	}
}

func TestAppError_Is(t *testing.T) {
	err1 := &AppError{Code: ErrorCodeDuplicateSubmission}
	err2 := &AppError{Code: ErrorCodeDuplicateSubmission}
	err3 := &AppError{Code: ErrorCodeSessionNotActive}

	assert.True(t, err1.Is(err2))
	assert.False(t, err1.Is(err3))
	assert.False(t, err1.Is(errors.New("regular error")))
}

func TestWrapError(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, WrapError(nil, "context"))
	})

	t.Run("AppError keeps its code", func(t *testing.T) {
		wrapped := WrapError(ErrSessionNotActive, "cannot submit answer")

		var appErr *AppError
		require.True(t, errors.As(wrapped, &appErr))
		assert.Equal(t, ErrorCodeSessionNotActive, appErr.Code)
		assert.Equal(t, "cannot submit answer", appErr.Message)
		assert.True(t, errors.Is(wrapped, ErrSessionNotActive))
	})

	t.Run("deeply wrapped AppError keeps its code", func(t *testing.T) {
		inner := fmt.Errorf("store: %w", ErrItemNotFound)
		wrapped := WrapError(inner, "load item")

		assert.Equal(t, ErrorCodeItemNotFound, GetErrorCode(wrapped))
		assert.True(t, errors.Is(wrapped, ErrItemNotFound))
	})

	t.Run("regular error becomes internal", func(t *testing.T) {
		original := errors.New("database error")
		wrapped := WrapError(original, "context")

		var appErr *AppError
		require.True(t, errors.As(wrapped, &appErr))
		assert.Equal(t, ErrorCodeInternalError, appErr.Code)
		assert.Equal(t, "database error", appErr.Details)
		assert.Equal(t, original, appErr.Cause)
	})
}

func TestWrapErrorf(t *testing.T) {
	t.Run("plain format", func(t *testing.T) {
		wrapped := WrapErrorf(errors.New("boom"), "failed to process item %d", 7)
		var appErr *AppError
		require.True(t, errors.As(wrapped, &appErr))
		assert.Equal(t, "failed to process item 7", appErr.Message)
	})

	t.Run("percent w keeps chain", func(t *testing.T) {
		wrapped := WrapErrorf(ErrDuplicateSubmission, "item %d: %w", 3, ErrDuplicateSubmission)
		assert.True(t, errors.Is(wrapped, ErrDuplicateSubmission))
		assert.Equal(t, ErrorCodeDuplicateSubmission, GetErrorCode(wrapped))
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"timeout", &AppError{Code: ErrorCodeTimeout, Severity: SeverityWarn}, true},
		{"database connection", &AppError{Code: ErrorCodeDatabaseConnection, Severity: SeverityError}, true},
		{"fatal timeout", &AppError{Code: ErrorCodeTimeout, Severity: SeverityFatal}, false},
		{"duplicate submission", ErrDuplicateSubmission, false},
		{"regular error", errors.New("regular error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(ErrDuplicateSubmission))
	assert.True(t, IsClientError(WrapError(ErrItemNotFound, "load item")))
	assert.True(t, IsClientError(ErrInvalidInput))
	assert.False(t, IsClientError(ErrTimeout))
	assert.False(t, IsClientError(ErrInvalidItemParameters))
	assert.False(t, IsClientError(errors.New("connection reset")))
}

func TestAppError_ToJSON(t *testing.T) {
	err := &AppError{
		Code:     ErrorCodeInvalidInput,
		Severity: SeverityWarn,
		Message:  "Invalid input",
		Details:  "Field required",
		Cause:    errors.New("underlying error"),
	}

	json := err.ToJSON()

	assert.Equal(t, "INVALID_INPUT", json["code"])
	assert.Equal(t, "Invalid input", json["message"])
	assert.Equal(t, "warn", json["severity"])
	assert.Equal(t, "Field required", json["details"])
	assert.Equal(t, false, json["retryable"])
	assert.NotContains(t, json, "cause")
}

func TestAppError_ToJSONWithLocale(t *testing.T) {
	json := ErrSessionNotActive.ToJSONWithLocale("es-CO,es;q=0.9")
	assert.Equal(t, "SESSION_NOT_ACTIVE", json["code"])
	assert.Equal(t, "La sesión de prueba no está activa", json["message"])

	json = ErrSessionNotActive.ToJSONWithLocale("en-US")
	assert.Equal(t, "Test session is not active", json["message"])
}

func TestParseLocale(t *testing.T) {
	tests := []struct {
		input    string
		expected Locale
	}{
		{"en", LocaleEnglish},
		{"en-US", LocaleEnglish},
		{"EN", LocaleEnglish},
		{"es-CO", LocaleSpanish},
		{"fr-CA", LocaleSpanish},
		{"", LocaleSpanish},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLocale(tt.input))
		})
	}
}

func TestLocalizedMessages_Fallbacks(t *testing.T) {
	lm := NewLocalizedMessages()
	lm.AddMessage(ErrorCodeItemNotFound, LocaleEnglish, "Item not found")

	assert.Equal(t, "Item not found", lm.GetMessage(ErrorCodeItemNotFound, LocaleSpanish))
	assert.Equal(t, "An error occurred", lm.GetMessage(ErrorCode("UNKNOWN"), LocaleEnglish))
	assert.Equal(t, "Item not found: id 9", lm.GetMessageWithDetails(ErrorCodeItemNotFound, LocaleEnglish, "id 9"))
}

func TestValidateStruct(t *testing.T) {
	type payload struct {
		Name  string  `validate:"required"`
		Ratio float64 `validate:"gt=0"`
	}

	require.NoError(t, ValidateStruct(payload{Name: "x", Ratio: 1}))

	err := ValidateStruct(payload{})
	require.Error(t, err)
	assert.Equal(t, ErrorCodeValidationFailed, GetErrorCode(err))
	assert.Contains(t, err.Error(), "payload.Name failed required")
	assert.Contains(t, err.Error(), "payload.Ratio failed gt=0")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 404, HTTPStatus(ErrorCodeSessionNotFound))
	assert.Equal(t, 409, HTTPStatus(ErrorCodeDuplicateSubmission))
	assert.Equal(t, 409, HTTPStatus(ErrorCodeSessionNotActive))
	assert.Equal(t, 400, HTTPStatus(ErrorCodeValidationFailed))
	assert.Equal(t, 503, HTTPStatus(ErrorCodeDatabaseConnection))
	assert.Equal(t, 500, HTTPStatus(ErrorCodeNoEligibleItems))
	assert.Equal(t, 500, HTTPStatus(ErrorCode("SOMETHING_NEW")))
}
