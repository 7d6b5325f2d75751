// Package contextutils provides the coded error type shared by every layer of
// the adaptive testing engine, plus the helpers that wrap, classify and render it.
package contextutils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the stable machine-readable code returned in API error bodies
type ErrorCode string

// Storage
const (
	ErrorCodeDatabaseConnection  ErrorCode = "DATABASE_CONNECTION_ERROR"
	ErrorCodeDatabaseQuery       ErrorCode = "DATABASE_QUERY_ERROR"
	ErrorCodeDatabaseTransaction ErrorCode = "DATABASE_TRANSACTION_ERROR"
	ErrorCodeRecordNotFound      ErrorCode = "RECORD_NOT_FOUND"
	ErrorCodeRecordExists        ErrorCode = "RECORD_ALREADY_EXISTS"
)

// Request validation
const (
	ErrorCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorCodeMissingRequired  ErrorCode = "MISSING_REQUIRED_FIELD"
	ErrorCodeInvalidFormat    ErrorCode = "INVALID_FORMAT"
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
)

// Access and availability
const (
	ErrorCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrorCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout            ErrorCode = "REQUEST_TIMEOUT"
	ErrorCodeInternalError      ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrorCodeConflict           ErrorCode = "CONFLICT"
)

// Item bank and test sessions
const (
	// ErrorCodeInvalidItemParameters marks an item whose 3PL parameters are out of range
	ErrorCodeInvalidItemParameters ErrorCode = "INVALID_ITEM_PARAMETERS"
	ErrorCodeItemNotFound          ErrorCode = "ITEM_NOT_FOUND"
	// ErrorCodeNoEligibleItems means the subject pool is exhausted for this session
	ErrorCodeNoEligibleItems     ErrorCode = "NO_ELIGIBLE_ITEMS"
	ErrorCodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	ErrorCodeSessionNotActive    ErrorCode = "SESSION_NOT_ACTIVE"
	ErrorCodeDuplicateSubmission ErrorCode = "DUPLICATE_SUBMISSION"
)

// SeverityLevel decides the log level an error is reported at
type SeverityLevel string

const (
	SeverityDebug SeverityLevel = "debug"
	SeverityInfo  SeverityLevel = "info"
	SeverityWarn  SeverityLevel = "warn"
	SeverityError SeverityLevel = "error"
	SeverityFatal SeverityLevel = "fatal"
)

// AppError is a coded error. Two AppErrors match under errors.Is when their codes match.
type AppError struct {
	Code     ErrorCode
	Severity SeverityLevel
	Message  string
	Details  string
	Cause    error
}

func (e *AppError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) Is(target error) bool {
	other, ok := target.(*AppError)
	return ok && e.Code == other.Code
}

func sentinel(code ErrorCode, severity SeverityLevel, message string) *AppError {
	return &AppError{Code: code, Severity: severity, Message: message}
}

var (
	ErrDatabaseConnection  = sentinel(ErrorCodeDatabaseConnection, SeverityError, "Database connection failed")
	ErrDatabaseQuery       = sentinel(ErrorCodeDatabaseQuery, SeverityError, "Database query failed")
	ErrDatabaseTransaction = sentinel(ErrorCodeDatabaseTransaction, SeverityError, "Database transaction failed")
	ErrRecordNotFound      = sentinel(ErrorCodeRecordNotFound, SeverityInfo, "Record not found")
	ErrRecordExists        = sentinel(ErrorCodeRecordExists, SeverityInfo, "Record already exists")

	ErrInvalidInput     = sentinel(ErrorCodeInvalidInput, SeverityWarn, "Invalid input")
	ErrMissingRequired  = sentinel(ErrorCodeMissingRequired, SeverityWarn, "Missing required field")
	ErrInvalidFormat    = sentinel(ErrorCodeInvalidFormat, SeverityWarn, "Invalid format")
	ErrValidationFailed = sentinel(ErrorCodeValidationFailed, SeverityWarn, "Validation failed")

	ErrUnauthorized       = sentinel(ErrorCodeUnauthorized, SeverityWarn, "Unauthorized")
	ErrForbidden          = sentinel(ErrorCodeForbidden, SeverityWarn, "Forbidden")
	ErrServiceUnavailable = sentinel(ErrorCodeServiceUnavailable, SeverityError, "Service unavailable")
	ErrTimeout            = sentinel(ErrorCodeTimeout, SeverityWarn, "Request timeout")
	ErrInternalError      = sentinel(ErrorCodeInternalError, SeverityError, "Internal server error")
	ErrConflict           = sentinel(ErrorCodeConflict, SeverityWarn, "Operation conflicts with current state")

	// Integrity errors are never recovered silently: a miscalibrated item
	// corrupts every ability estimate it touches.
	ErrInvalidItemParameters = sentinel(ErrorCodeInvalidItemParameters, SeverityError, "Item has invalid IRT parameters")
	ErrItemNotFound          = sentinel(ErrorCodeItemNotFound, SeverityWarn, "Item not found")
	ErrNoEligibleItems       = sentinel(ErrorCodeNoEligibleItems, SeverityInfo, "No eligible items left to administer")

	ErrSessionNotFound     = sentinel(ErrorCodeSessionNotFound, SeverityInfo, "Test session not found")
	ErrSessionNotActive    = sentinel(ErrorCodeSessionNotActive, SeverityInfo, "Test session is not active")
	ErrDuplicateSubmission = sentinel(ErrorCodeDuplicateSubmission, SeverityInfo, "Item already answered in this session")
)

// NewAppError builds a coded error without a cause
func NewAppError(code ErrorCode, severity SeverityLevel, message, details string) *AppError {
	return &AppError{Code: code, Severity: severity, Message: message, Details: details}
}

// NewAppErrorWithCause builds a coded error that unwraps to cause
func NewAppErrorWithCause(code ErrorCode, severity SeverityLevel, message, details string, cause error) *AppError {
	return &AppError{Code: code, Severity: severity, Message: message, Details: details, Cause: cause}
}

// wrap keeps the code and severity of the nearest AppError in err's chain.
// Anything else becomes an internal error.
func wrap(err error, message string, cause error) error {
	wrapped := &AppError{
		Code:     ErrorCodeInternalError,
		Severity: SeverityError,
		Message:  message,
		Details:  err.Error(),
		Cause:    cause,
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		wrapped.Code = appErr.Code
		wrapped.Severity = appErr.Severity
	}
	return wrapped
}

// WrapError adds a message to err. A nil err stays nil.
func WrapError(err error, context string) error {
	if err == nil {
		return nil
	}
	return wrap(err, context, err)
}

// WrapErrorf is WrapError with a format. When the format contains %w the
// formatted error becomes the cause.
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if strings.Contains(format, "%w") {
		formatted := fmt.Errorf(format, args...)
		return wrap(err, formatted.Error(), formatted)
	}
	return wrap(err, fmt.Sprintf(format, args...), err)
}

// ErrorWithContextf creates an internal error with a formatted message
func ErrorWithContextf(format string, args ...interface{}) error {
	return &AppError{
		Code:     ErrorCodeInternalError,
		Severity: SeverityError,
		Message:  fmt.Sprintf(format, args...),
	}
}

// GetErrorCode returns the code of the nearest AppError, or INTERNAL_SERVER_ERROR
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrorCodeInternalError
}

// GetErrorSeverity returns the severity of the nearest AppError, or error
func GetErrorSeverity(err error) SeverityLevel {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Severity
	}
	return SeverityError
}

// IsClientError reports whether err was caused by the caller rather than the engine.
// Client errors are expected outcomes and do not mark spans as failed.
func IsClientError(err error) bool {
	switch GetErrorSeverity(err) {
	case SeverityDebug, SeverityInfo, SeverityWarn:
		return GetErrorCode(err) != ErrorCodeTimeout
	}
	return false
}

// IsRetryable reports whether the platform layer may retry the call unchanged
func IsRetryable(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Severity == SeverityFatal {
		return false
	}
	switch appErr.Code {
	case ErrorCodeTimeout, ErrorCodeServiceUnavailable, ErrorCodeDatabaseConnection:
		return true
	}
	return false
}

// ToJSON renders the error body. The cause is included only for server-side failures.
func (e *AppError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":      string(e.Code),
		"message":   e.Message,
		"severity":  string(e.Severity),
		"error":     e.Message,
		"retryable": IsRetryable(e),
	}
	if e.Details != "" {
		result["details"] = e.Details
	}
	if e.Cause != nil && (e.Severity == SeverityError || e.Severity == SeverityFatal) {
		result["cause"] = e.Cause.Error()
	}
	return result
}
