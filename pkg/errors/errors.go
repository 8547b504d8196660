package errors

import (
	"fmt"
	"runtime"
	"time"
)

// AppError represents a standardized application error
type AppError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component"`
	Operation  string                 `json:"operation"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Severity   Severity               `json:"severity"`
}

// Severity levels for errors
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error codes
const (
	// Commit pipeline errors
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeSizeLimitExceeded = "SIZE_LIMIT_EXCEEDED"
	CodeHookFailed        = "HOOK_FAILED"
	CodeContextInvalid    = "CONTEXT_INVALID"

	// Lock manager errors
	CodeLockConflict           = "LOCK_CONFLICT"
	CodeLockNotFound           = "LOCK_NOT_FOUND"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"

	// Resilience errors
	CodeRetryExhausted       = "RETRY_EXHAUSTED"
	CodeRetryBudgetExhausted = "RETRY_BUDGET_EXHAUSTED"
	CodeCircuitOpen          = "CIRCUIT_OPEN"

	// Transient errors (retryable per policy)
	CodeNetworkTimeout    = "NETWORK_TIMEOUT"
	CodeConnectionFailed  = "CONNECTION_FAILED"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"

	// Fatal errors (never retried)
	CodeConfigInvalid    = "CONFIG_INVALID"
	CodeInputInvalid     = "INPUT_INVALID"
	CodeAuthUnauthorized = "AUTH_UNAUTHORIZED"

	// DLQ errors
	CodeDLQStoreFailed   = "DLQ_STORE_FAILED"
	CodeDLQMessageMissing = "DLQ_MESSAGE_MISSING"
	CodeDLQNoHandler     = "DLQ_NO_HANDLER"
)

// New creates a new standardized error
func New(code, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	return &AppError{
		Code:       code,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
		Severity:   SeverityMedium,
	}
}

// NewCritical creates a critical error
func NewCritical(code, component, operation, message string) *AppError {
	err := New(code, component, operation, message)
	err.Severity = SeverityCritical
	return err
}

// NewWithSeverity creates an error with specific severity
func NewWithSeverity(severity Severity, code, component, operation, message string) *AppError {
	err := New(code, component, operation, message)
	err.Severity = severity
	return err
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Wrap wraps another error as the cause
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithSeverity sets the severity level
func (e *AppError) WithSeverity(severity Severity) *AppError {
	e.Severity = severity
	return e
}

// IsCritical returns true if the error is critical
func (e *AppError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// Retryable reports whether the error code marks a transient condition.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case CodeNetworkTimeout, CodeConnectionFailed, CodeResourceExhausted, CodeDLQStoreFailed:
		return true
	default:
		return false
	}
}

// ToMap converts the error to a map for structured logging
func (e *AppError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code":      e.Code,
		"error_message":   e.Message,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_severity":  string(e.Severity),
		"error_timestamp": e.Timestamp,
	}

	if e.StackTrace != "" {
		result["error_stack_trace"] = e.StackTrace
	}

	if e.Cause != nil {
		result["error_cause"] = e.Cause.Error()
	}

	for k, v := range e.Metadata {
		result[fmt.Sprintf("error_meta_%s", k)] = v
	}

	return result
}

// Convenience functions for common error types

// ConfigError creates a configuration error
func ConfigError(operation, message string) *AppError {
	return New(CodeConfigInvalid, "config", operation, message)
}

// InputError creates an invalid input error
func InputError(component, operation, message string) *AppError {
	return New(CodeInputInvalid, component, operation, message)
}

// NetworkError creates a transient network error
func NetworkError(component, operation, message string) *AppError {
	return New(CodeNetworkTimeout, component, operation, message)
}

// StoreError creates a DLQ store error
func StoreError(operation, message string) *AppError {
	return New(CodeDLQStoreFailed, "dlq_store", operation, message)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// AsAppError converts an error to AppError if possible
func AsAppError(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}

// WrapError wraps a standard error into an AppError
func WrapError(err error, component, operation, message string) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := AsAppError(err); ok {
		return appErr
	}

	return New("WRAPPED_ERROR", component, operation, message).Wrap(err)
}
