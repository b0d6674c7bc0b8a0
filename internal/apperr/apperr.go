// Package apperr provides the typed error kinds shared across the Store,
// the Task Queue, the Trigger Engine, and the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind discriminates the error categories a component may return.
type Kind string

const (
	KindInvalidInput      Kind = "INVALID_INPUT"
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindTimeout           Kind = "TIMEOUT"
	KindExecutorError     Kind = "EXECUTOR_ERROR"
	KindStoreError        Kind = "STORE_ERROR"
	KindFatal             Kind = "FATAL"
)

// httpStatusByKind maps each Kind to the status code it surfaces as over HTTP.
var httpStatusByKind = map[Kind]int{
	KindInvalidInput:      http.StatusBadRequest,
	KindNotFound:          http.StatusNotFound,
	KindInvalidTransition: http.StatusBadRequest,
	KindTimeout:           http.StatusInternalServerError,
	KindExecutorError:     http.StatusInternalServerError,
	KindStoreError:        http.StatusInternalServerError,
	KindFatal:             http.StatusInternalServerError,
}

// Error is an application-level error carrying a Kind, a human-readable
// message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status code this error should surface as.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// InvalidInput creates an error for a request rejected before persistence.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates an error for a missing task/trigger/workflow id.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidTransition creates an error for a rejected status transition.
func InvalidTransition(from, to string) *Error {
	return &Error{Kind: KindInvalidTransition, Message: fmt.Sprintf("cannot transition from %q to %q", from, to)}
}

// Timeout creates an error for an executor call that exceeded its deadline.
func Timeout(ms int64) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("timeout after %dms", ms)}
}

// ExecutorErrorf wraps an executor failure.
func ExecutorErrorf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindExecutorError, Message: fmt.Sprintf(format, args...), Err: err}
}

// StoreErrorf wraps a persistence-layer failure.
func StoreErrorf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindStoreError, Message: fmt.Sprintf(format, args...), Err: err}
}

// Fatalf wraps an unrecoverable startup failure (store unopenable, schema init failed).
func Fatalf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindFatal, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// StatusOf returns the HTTP status err should surface as. Non-*Error values
// map to 500, matching an uninitialized-system fallback.
func StatusOf(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
