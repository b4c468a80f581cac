// Package errors defines the structured error type shared by the service
// layer. Repos return sentinel errors from the model package; services wrap
// them (or fresh failures) in an AppError code so callers can branch on the
// category without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes an application error.
type ErrorCode string

const (
	// ErrCodeConflict marks an operation rejected by current state, such as
	// an invalid run transition or a lost status claim.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation marks invalid input.
	ErrCodeValidation ErrorCode = "validation"
)

// AppError carries an error category alongside the message and optional
// cause. It supports errors.Is and errors.As through Unwrap.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidation,
		Message: message,
	}
}

// Conflictf creates a new Conflict error with a formatted message.
func Conflictf(format string, args ...any) *AppError {
	return &AppError{
		Code:    ErrCodeConflict,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error under the given code, preserving the cause.
// Returns nil for a nil error.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error under the given code with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// isCode checks if an error carries a specific error code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool {
	return isCode(err, ErrCodeConflict)
}

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool {
	return isCode(err, ErrCodeValidation)
}
