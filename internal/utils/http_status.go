package contextutils

import "net/http"

// statusByCode maps error codes onto HTTP statuses. Unlisted codes are 500.
// NO_ELIGIBLE_ITEMS and INVALID_ITEM_PARAMETERS stay 500: the coordinator
// completes sessions before the pool runs dry, so reaching either is a bank fault.
var statusByCode = map[ErrorCode]int{
	ErrorCodeInvalidInput:     http.StatusBadRequest,
	ErrorCodeMissingRequired:  http.StatusBadRequest,
	ErrorCodeInvalidFormat:    http.StatusBadRequest,
	ErrorCodeValidationFailed: http.StatusBadRequest,

	ErrorCodeUnauthorized: http.StatusUnauthorized,
	ErrorCodeForbidden:    http.StatusForbidden,

	ErrorCodeRecordNotFound:  http.StatusNotFound,
	ErrorCodeItemNotFound:    http.StatusNotFound,
	ErrorCodeSessionNotFound: http.StatusNotFound,

	ErrorCodeRecordExists:        http.StatusConflict,
	ErrorCodeConflict:            http.StatusConflict,
	ErrorCodeSessionNotActive:    http.StatusConflict,
	ErrorCodeDuplicateSubmission: http.StatusConflict,

	ErrorCodeTimeout:            http.StatusRequestTimeout,
	ErrorCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrorCodeDatabaseConnection: http.StatusServiceUnavailable,
}

// HTTPStatus returns the response status for an error code
func HTTPStatus(code ErrorCode) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
