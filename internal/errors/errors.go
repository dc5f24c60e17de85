package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrTypeInvalidURL represents malformed input rejected at enqueue
	ErrTypeInvalidURL ErrorType = "invalid_url"
	// ErrTypeDuplicate represents a URL already downloaded or already queued
	ErrTypeDuplicate ErrorType = "duplicate"
	// ErrTypeNetwork represents transient network/fetch errors
	ErrTypeNetwork ErrorType = "network"
	// ErrTypeAuth represents authentication/permission errors
	ErrTypeAuth ErrorType = "auth"
	// ErrTypeNotFound represents removed or private source errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeCancelled represents user-initiated cancellation
	ErrTypeCancelled ErrorType = "cancelled"
	// ErrTypePersistence represents history/config I/O failures
	ErrTypePersistence ErrorType = "persistence"
	// ErrTypeUnknown represents unknown errors
	ErrTypeUnknown ErrorType = "unknown"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewInvalidURLError creates a new invalid URL error
func NewInvalidURLError(message string) *AppError {
	return &AppError{
		Type:      ErrTypeInvalidURL,
		Message:   message,
		Retryable: false,
	}
}

// NewDuplicateError creates a new duplicate error
func NewDuplicateError(message string) *AppError {
	return &AppError{
		Type:      ErrTypeDuplicate,
		Message:   message,
		Retryable: false,
	}
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeNetwork,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewAuthError creates a new authentication error
func NewAuthError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeAuth,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:      ErrTypeNotFound,
		Message:   message,
		Retryable: false,
	}
}

// NewCancelledError creates a new cancellation error
func NewCancelledError(message string) *AppError {
	return &AppError{
		Type:      ErrTypeCancelled,
		Message:   message,
		Retryable: false,
	}
}

// NewPersistenceError creates a new persistence error
func NewPersistenceError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypePersistence,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetErrorType returns the error type from an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrTypeUnknown
}

// IsDuplicateError checks if an error is a duplicate admission error
func IsDuplicateError(err error) bool {
	return GetErrorType(err) == ErrTypeDuplicate
}

// IsInvalidURLError checks if an error is an invalid URL error
func IsInvalidURLError(err error) bool {
	return GetErrorType(err) == ErrTypeInvalidURL
}

// IsCancelledError checks if an error is a cancellation error
func IsCancelledError(err error) bool {
	return GetErrorType(err) == ErrTypeCancelled
}

// IsNetworkError checks if an error is a network error
func IsNetworkError(err error) bool {
	return GetErrorType(err) == ErrTypeNetwork
}

// Reason returns the human-readable reason string carried by an error.
// Cancellation keeps its distinct reason so callers can tell a user abort
// from a genuine failure.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
