package handlers

import (
	"errors"
	"fmt"
	"net/http"

	contextutils "icfesprep/internal/utils"

	"github.com/gin-gonic/gin"
)

// StandardizeHTTPError answers with an AppError body derived from a bare status
func StandardizeHTTPError(c *gin.Context, statusCode int, message, details string) {
	code, severity := contextutils.ErrorCodeInternalError, contextutils.SeverityError
	switch statusCode {
	case http.StatusBadRequest:
		code, severity = contextutils.ErrorCodeInvalidInput, contextutils.SeverityWarn
	case http.StatusUnauthorized:
		code, severity = contextutils.ErrorCodeUnauthorized, contextutils.SeverityWarn
	case http.StatusForbidden:
		code, severity = contextutils.ErrorCodeForbidden, contextutils.SeverityWarn
	case http.StatusNotFound:
		code, severity = contextutils.ErrorCodeRecordNotFound, contextutils.SeverityInfo
	case http.StatusConflict:
		code, severity = contextutils.ErrorCodeConflict, contextutils.SeverityInfo
	case http.StatusServiceUnavailable:
		code = contextutils.ErrorCodeServiceUnavailable
	}

	appErr := contextutils.NewAppError(code, severity, message, details)
	c.JSON(statusCode, withLocalizedMessage(c, appErr, appErr.ToJSON()))
}

// StandardizeAppError answers with err's JSON body at the status its code maps to
func StandardizeAppError(c *gin.Context, err *contextutils.AppError) {
	c.JSON(contextutils.HTTPStatus(err.Code), withLocalizedMessage(c, err, err.ToJSON()))
}

// withLocalizedMessage adds the student-facing message in the caller's
// Accept-Language, Spanish when absent
func withLocalizedMessage(c *gin.Context, err *contextutils.AppError, body map[string]interface{}) map[string]interface{} {
	locale := contextutils.ParseLocale(c.GetHeader("Accept-Language"))
	body["localized_message"] = contextutils.GetLocalizedMessage(err.Code, locale)
	return body
}

// HandleValidationError reports a bad request parameter
func HandleValidationError(c *gin.Context, field string, value interface{}, reason string) {
	StandardizeAppError(c, contextutils.NewAppError(
		contextutils.ErrorCodeInvalidInput,
		contextutils.SeverityWarn,
		fmt.Sprintf("Invalid %s", field),
		fmt.Sprintf("Value '%v' is invalid: %s", value, reason),
	))
}

// HandleAppError records err on the gin context and writes the error response.
// Errors without a code are reported as internal errors.
func HandleAppError(c *gin.Context, err error) {
	_ = c.Error(err)

	var appErr *contextutils.AppError
	if errors.As(err, &appErr) {
		StandardizeAppError(c, appErr)
		return
	}
	StandardizeHTTPError(c, http.StatusInternalServerError, "Internal server error", err.Error())
}
