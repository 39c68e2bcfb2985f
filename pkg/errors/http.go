package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// statusMapping is checked in order; the first sentinel matched by errors.Is wins.
var statusMapping = []struct {
	target error
	status int
}{
	{ErrNotFound, http.StatusNotFound},
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrUnknownTest, http.StatusBadRequest},
	{ErrAlreadyExists, http.StatusConflict},
	{ErrResourceExhausted, http.StatusTooManyRequests},
	{ErrFailedPrecondition, http.StatusPreconditionFailed},
	{ErrNotImplemented, http.StatusNotImplemented},
	{ErrTimeout, http.StatusGatewayTimeout},
	{ErrCanceled, http.StatusRequestTimeout},
	{ErrUnavailable, http.StatusServiceUnavailable},
	{ErrHealthCheck, http.StatusServiceUnavailable},
	{ErrExternalService, http.StatusBadGateway},
	{ErrTransport, http.StatusBadGateway},
	{ErrInternalError, http.StatusInternalServerError},
}

var errorCodeStatusMap = map[string]int{
	"NOT_FOUND":     http.StatusNotFound,
	"INVALID_INPUT": http.StatusBadRequest,
	"UNKNOWN_TEST":  http.StatusBadRequest,
	"TRANSPORT":     http.StatusBadGateway,
	"NO_RESPONSE":   http.StatusBadGateway,
	"TIMEOUT":       http.StatusGatewayTimeout,
}

// WriteError writes a standardized JSON error response
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	var serr *Error
	switch {
	case err == nil:
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{"error": "Unknown error"}
	case errors.As(err, &serr):
		statusCode = HTTPStatusFromError(err)
		response = serr.AsJSON()
	default:
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(response)
}

// HTTPStatusFromError determines the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	for _, m := range statusMapping {
		if errors.Is(err, m.target) {
			return m.status
		}
	}
	if code := GetErrorCode(err); code != "" {
		if status, ok := errorCodeStatusMap[code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}
