// Package errors provides a lightweight structured error type (Error)
// for category-based classification of asset store failures.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCategory represents the category of an asset store error for classification
type ErrorCategory string

const (
	// Repository and source addressing errors
	CategorySource ErrorCategory = "source"

	// Byte transfer errors (index or content fetch)
	CategoryTransport ErrorCategory = "transport"

	// Content verification and decoding errors
	CategoryIntegrity ErrorCategory = "integrity"
	CategoryDecode    ErrorCategory = "decode"

	// Persistent cache errors
	CategoryCache ErrorCategory = "cache"

	// Runtime and configuration errors
	CategoryConfig   ErrorCategory = "config"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// Error is a structured error with category, retryability, and context
type Error struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for Error
type ContextFields map[string]any

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new Error
func New(category ErrorCategory, severity ErrorSeverity, message string) *Error {
	return &Error{
		Category: category,
		Severity: severity,
		Message:  message,
	}
}

// Wrap creates a new Error that wraps an existing error
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *Error {
	return &Error{
		Category: category,
		Severity: severity,
		Message:  message,
		Cause:    err,
	}
}

// WrapRetryable creates a new retryable Error that wraps an existing error
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *Error {
	return &Error{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}

// As reports whether err (or anything it wraps) is an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category ErrorCategory) bool {
	if e, ok := As(err); ok {
		return e.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or returns CategoryInternal if not an Error
func GetCategory(err error) ErrorCategory {
	if e, ok := As(err); ok {
		return e.Category
	}
	return CategoryInternal
}
