// Package apperr defines the typed application error returned by the service
// layer and translated into HTTP responses by the handlers. Every domain
// failure carries a stable machine-readable code alongside its HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Generic codes used when a failure has no domain-specific code.
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeInternal     = "INTERNAL_SERVER_ERROR"
)

// AppError is an error with a code, a client-facing message and an HTTP
// status. Err holds the underlying cause, if any, and is never rendered.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches another AppError by code so wrapped copies of a sentinel
// compare equal to it with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an AppError without a cause.
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap attaches cause to a copy of e.
func (e *AppError) Wrap(cause error) *AppError {
	cp := *e
	cp.Err = cause
	return &cp
}

// Internal wraps an unexpected failure as a 500.
func Internal(msg string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: msg, HTTPStatus: http.StatusInternalServerError, Err: cause}
}

// BadRequest builds a 400 with the generic code.
func BadRequest(msg string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: msg, HTTPStatus: http.StatusBadRequest}
}

// As extracts the AppError from err. Any other error becomes a 500.
func As(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return Internal("internal server error", err)
}
