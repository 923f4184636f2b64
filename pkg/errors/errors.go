package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies failures crossing the collaborator HTTP boundary.
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway         ErrorCode = "BAD_GATEWAY"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Body is the JSON error document served to HTTP clients.
func (e *AppError) Body() map[string]interface{} {
	body := map[string]interface{}{
		"error": e.Message,
		"code":  e.Code,
	}
	for k, v := range e.Context {
		body[k] = v
	}
	return body
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// FromStatus maps a collaborator response status back to an AppError.
// Success statuses return nil.
func FromStatus(status int, message string) *AppError {
	if status >= 200 && status < 300 {
		return nil
	}
	if message == "" {
		message = http.StatusText(status)
	}
	switch {
	case status == http.StatusBadRequest:
		return NewAppError(ErrCodeInvalidInput, message, status)
	case status == http.StatusNotFound:
		return NewAppError(ErrCodeNotFound, message, status)
	case status == http.StatusConflict:
		return NewAppError(ErrCodeConflict, message, status)
	case status == http.StatusTooManyRequests:
		return NewAppError(ErrCodeRateLimit, message, status)
	case status == http.StatusServiceUnavailable:
		return NewAppError(ErrCodeServiceUnavailable, message, status)
	case status == http.StatusBadGateway:
		return NewAppError(ErrCodeBadGateway, message, status)
	default:
		return NewAppError(ErrCodeInternal, message, status)
	}
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsUnavailable reports whether err carries a 503 from a collaborator.
func IsUnavailable(err error) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == ErrCodeServiceUnavailable
}
