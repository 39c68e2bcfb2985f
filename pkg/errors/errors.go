package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the engine
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrNotImplemented     = errors.New("not implemented")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("resource already exists")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrCanceled           = errors.New("operation canceled")

	// Test-execution sentinels
	ErrNoResponse      = errors.New("agent produced no audio")
	ErrTransport       = errors.New("audio transport failure")
	ErrNotConnected    = errors.New("audio channel not connected")
	ErrDisconnected    = errors.New("audio channel disconnected")
	ErrUnknownTest     = errors.New("unknown test")
	ErrExternalService = errors.New("external service failure")
	ErrMalformedReply  = errors.New("malformed external service response")
	ErrHealthCheck     = errors.New("agent health check failed")
)

// Error represents a structured error with its creation site and additional context
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	// Code is an optional error code for categorization
	Code string
}

func newError(original error, message, code string, skip int, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newError(errors.New(message), "", "", 2, fields)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(err, message, GetErrorCode(err), 2, fields)
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(err, fmt.Sprintf(format, args...), GetErrorCode(err), 2, nil)
}

func (e *Error) clone() *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+1),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone()
	result.fields[key] = value
	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone()
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode sets the error code
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone()
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewInvalidInput creates a new ErrInvalidInput error with additional context
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return newError(ErrInvalidInput, message, "INVALID_INPUT", 2, fields)
}

// NewNotFound creates a new ErrNotFound error with additional context
func NewNotFound(message string, fields ...map[string]interface{}) *Error {
	return newError(ErrNotFound, message, "NOT_FOUND", 2, fields)
}

// NewNoResponse reports that the agent never produced any audio.
func NewNoResponse(message string, fields ...map[string]interface{}) *Error {
	return newError(ErrNoResponse, message, "NO_RESPONSE", 2, fields)
}

// NewTransport wraps a channel connect/send/disconnect failure.
func NewTransport(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		err = ErrTransport
	} else if !errors.Is(err, ErrTransport) {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return newError(err, message, "TRANSPORT", 2, fields)
}

// NewUnknownTest reports a test name with no registered executor.
func NewUnknownTest(name string) *Error {
	return newError(ErrUnknownTest, fmt.Sprintf("no executor registered for %q", name), "UNKNOWN_TEST", 2,
		[]map[string]interface{}{{"test_name": name}})
}

// ServiceError describes a failed call to an external service (TTS, STT, LLM, callback).
type ServiceError struct {
	Service    string
	StatusCode int
	Body       string
	Err        error
}

// NewServiceError builds a ServiceError from an HTTP status and response body.
func NewServiceError(service string, statusCode int, body string) *ServiceError {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		body = body[:512]
	}
	return &ServiceError{Service: service, StatusCode: statusCode, Body: body}
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s request failed with status %d: %s", e.Service, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s request failed with status %d", e.Service, e.StatusCode)
}

// Unwrap exposes both the sentinel and any transport error.
func (e *ServiceError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrExternalService, e.Err}
	}
	return []error{ErrExternalService}
}

// Retryable reports whether the failure is transient: timeouts, 429, 5xx and network errors.
func (e *ServiceError) Retryable() bool {
	if e.Err != nil {
		return IsRetryable(e.Err)
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsRetryable classifies an error returned by an external service call.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var serr *ServiceError
	if errors.As(err, &serr) {
		if serr.Err == nil {
			return serr.Retryable()
		}
		err = serr.Err
	}

	if errors.Is(err, ErrMalformedReply) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrUnavailable)
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// Is re-exports errors.Is so callers need only one errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As re-exports errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
