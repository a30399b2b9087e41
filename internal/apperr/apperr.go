// Package apperr defines the stable machine-readable error codes surfaced by
// the app lifecycle engine.
package apperr

import (
	"errors"
	"fmt"
)

// Error codes. These are part of the API contract and must stay stable.
const (
	CodeCatalogUnavailable = "catalog_unavailable"
	CodeInvalidSource      = "invalid_source"
	CodeOperationConflict  = "operation_conflict"
	CodePullFailed         = "pull_failed"
	CodeApplyFailed        = "apply_failed"
	CodeVerifyTimeout      = "verify_timeout"
)

// Error pairs a stable code with a human-readable message and an optional
// wrapped cause.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error with the given code and message wrapping cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf returns the stable code of err, or "internal" if err carries none.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "internal"
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}
