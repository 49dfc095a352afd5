package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Request pipeline errors
	ErrCodeValidation  ErrorCode = "VALIDATION_FAILED"
	ErrCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrCodePersistence ErrorCode = "PERSISTENCE_FAILED"
	ErrCodeBadRequest  ErrorCode = "INVALID_REQUEST"

	// Traffic switch errors
	ErrCodeHealthCheckFailed  ErrorCode = "HEALTH_CHECK_FAILED"
	ErrCodeReloadFailed       ErrorCode = "RELOAD_FAILED"
	ErrCodeCutoverInProgress  ErrorCode = "CUTOVER_IN_PROGRESS"
	ErrCodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrCodeUnknownInstance    ErrorCode = "UNKNOWN_INSTANCE"
	ErrCodeDrainIncomplete    ErrorCode = "DRAIN_INCOMPLETE"
	ErrCodeNoUpstream         ErrorCode = "NO_UPSTREAM"
	ErrCodeUpstreamFailed     ErrorCode = "UPSTREAM_FAILED"
	ErrCodeConfigLoad         ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeStateStore         ErrorCode = "STATE_STORE_FAILED"
	ErrCodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeAuthenticationFail ErrorCode = "AUTHENTICATION_FAILED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured error with context
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Component, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *AppError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeValidation, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeAuthenticationFail:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeUnknownInstance:
		return http.StatusNotFound
	case ErrCodeCutoverInProgress, ErrCodeInvalidTransition, ErrCodeDrainIncomplete:
		return http.StatusConflict
	case ErrCodeHealthCheckFailed:
		return http.StatusFailedDependency
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeReloadFailed, ErrCodeUpstreamFailed:
		return http.StatusBadGateway
	case ErrCodeNoUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new AppError
func NewError(code ErrorCode, component, message string) *AppError {
	return &AppError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with AppError structure
func WrapError(err error, code ErrorCode, component, message string) *AppError {
	if err == nil {
		return nil
	}

	return &AppError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Details:   err.Error(),
	}
}

func wrapOrNew(cause error, code ErrorCode, component, message string) *AppError {
	if cause == nil {
		return NewError(code, component, message)
	}
	return WrapError(cause, code, component, message)
}

// NewValidationError reports a business rule violation detected before persistence
func NewValidationError(message string) *AppError {
	return NewError(ErrCodeValidation, "use_case", message)
}

// NewNotFoundError reports a missing entity
func NewNotFoundError(entity string, id interface{}) *AppError {
	return NewError(
		ErrCodeNotFound,
		"use_case",
		fmt.Sprintf("%s %v not found", entity, id),
	).WithMetadata("id", id)
}

// NewHealthCheckFailedError reports a candidate instance that failed its readiness probe
func NewHealthCheckFailedError(color string, cause error) *AppError {
	return wrapOrNew(
		cause,
		ErrCodeHealthCheckFailed,
		"traffic_switch",
		fmt.Sprintf("Instance %s failed readiness probe", color),
	).WithMetadata("color", color)
}

// NewReloadFailedError reports a proxy reload that could not be applied
func NewReloadFailedError(target string, cause error) *AppError {
	return wrapOrNew(
		cause,
		ErrCodeReloadFailed,
		"traffic_switch",
		fmt.Sprintf("Reload to %s failed, previous upstream kept", target),
	).WithMetadata("target", target)
}

// NewCutoverInProgressError reports a concurrent cutover attempt
func NewCutoverInProgressError() *AppError {
	return NewError(ErrCodeCutoverInProgress, "traffic_switch", "Another cutover is in progress")
}

// NewInvalidTransitionError reports an operation not allowed in the current state
func NewInvalidTransitionError(state, reason string) *AppError {
	return NewError(
		ErrCodeInvalidTransition,
		"traffic_switch",
		fmt.Sprintf("Operation not allowed in state %s: %s", state, reason),
	).WithMetadata("state", state)
}

// NewUnknownInstanceError reports a color that is not registered
func NewUnknownInstanceError(color string) *AppError {
	return NewError(
		ErrCodeUnknownInstance,
		"traffic_switch",
		fmt.Sprintf("Instance %s is not registered", color),
	).WithMetadata("color", color)
}

// NewRateLimitError creates an error for rate limiting
func NewRateLimitError(clientIP string, limit float64) *AppError {
	return NewError(
		ErrCodeRateLimitExceeded,
		"rate_limiter",
		fmt.Sprintf("Rate limit exceeded for client %s", clientIP),
	).WithMetadata("client_ip", clientIP).WithMetadata("limit", limit)
}

// NewAuthenticationError creates an authentication error
func NewAuthenticationError(reason string) *AppError {
	return NewError(
		ErrCodeAuthenticationFail,
		"auth",
		fmt.Sprintf("Authentication failed: %s", reason),
	).WithMetadata("reason", reason)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetErrorCode extracts the error code from an error. Unclassified errors
// surfacing at a boundary are persistence or infrastructure failures.
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
