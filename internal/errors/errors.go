// Package errors provides structured error types for reactbench.
// All errors carry a category, code, message, and fatal flag so the run
// controller can decide whether a failure ends the run or is only diagnostic.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by how the harness reacts to them.
type ErrorCategory string

const (
	ErrCategoryConfig      ErrorCategory = "CONFIG"
	ErrCategoryOperational ErrorCategory = "OPERATIONAL"
	ErrCategoryDiagnostic  ErrorCategory = "DIAGNOSTIC"
	ErrCategoryShutdown    ErrorCategory = "SHUTDOWN"
)

// Error codes for each category.
const (
	// Config codes
	CodeUnknownBackend  = "UNKNOWN_BACKEND"
	CodeInvalidArgs     = "INVALID_ARGUMENTS"
	CodeInvalidConfig   = "INVALID_CONFIG"
	CodeTargetExhausted = "TARGET_EXHAUSTED"

	// Operational codes
	CodeExecFailed      = "EXEC_FAILED"
	CodeSubscribeFailed = "SUBSCRIBE_FAILED"
	CodeInstallFailed   = "INSTALL_FAILED"

	// Diagnostic codes
	CodeUnexpectedEvent = "UNEXPECTED_EVENT"
	CodeReverted        = "REVERTED"

	// Shutdown codes
	CodeOutputFailed = "OUTPUT_FAILED"
)

// BenchError is the structured error type used throughout the harness.
type BenchError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
	Fatal    bool
}

// Error returns a formatted error string.
func (e *BenchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *BenchError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *BenchError) Is(target error) bool {
	var t *BenchError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new BenchError.
func New(category ErrorCategory, code, message string) *BenchError {
	return &BenchError{
		Category: category,
		Code:     code,
		Message:  message,
		Fatal:    isFatal(category),
	}
}

// Wrap creates a new BenchError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *BenchError {
	return &BenchError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
		Fatal:    isFatal(category),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *BenchError) WithDetails(details map[string]interface{}) *BenchError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsFatal checks whether an error (or its chain) must end the run.
// Errors that are not BenchErrors are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var be *BenchError
	if errors.As(err, &be) {
		return be.Fatal
	}
	return true
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a BenchError.
func GetCategory(err error) ErrorCategory {
	var be *BenchError
	if errors.As(err, &be) {
		return be.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a BenchError.
func GetCode(err error) string {
	var be *BenchError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func isFatal(category ErrorCategory) bool {
	switch category {
	case ErrCategoryConfig, ErrCategoryOperational:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewConfigError(code, message string) *BenchError {
	return New(ErrCategoryConfig, code, message)
}

func NewOperationalError(code, message string, cause error) *BenchError {
	return Wrap(ErrCategoryOperational, code, message, cause)
}

func NewDiagnostic(code, message string) *BenchError {
	return New(ErrCategoryDiagnostic, code, message)
}

func NewShutdownError(message string, cause error) *BenchError {
	return Wrap(ErrCategoryShutdown, CodeOutputFailed, message, cause)
}
