// Package apperr classifies the errors that cross the socket boundary.
//
// Every error returned to a client is either an *Error (its message is
// shown verbatim) or an internal error whose text is replaced by a generic
// message by the handler layer.
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is to classify.
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrProcessFailure = errors.New("process failure")
	ErrNotConnected   = errors.New("not connected")
	ErrUnauthorized   = errors.New("not authorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBusy           = errors.New("busy")
)

// Error is a classified, user-facing error.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func newf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Validation reports bad input shape or content.
func Validation(format string, args ...any) error {
	return newf(ErrValidation, format, args...)
}

// NotFound reports a missing stack, session or connection.
func NotFound(format string, args ...any) error {
	return newf(ErrNotFound, format, args...)
}

// ProcessFailure reports a non-zero exit of a lifecycle subcommand. The
// message points at the terminal output instead of carrying stderr.
func ProcessFailure(action string) error {
	return newf(ErrProcessFailure, "Failed to %s, please check the terminal output for more information.", action)
}

// NotConnected reports an unreachable or not yet logged-in endpoint.
func NotConnected(endpoint string) error {
	return newf(ErrNotConnected, "%s is not connected", endpoint)
}

// Unauthorized is returned by the identity guards.
func Unauthorized() error {
	return newf(ErrUnauthorized, "You are not logged in.")
}

// Forbidden is returned when a logged-in user lacks admin rights.
func Forbidden() error {
	return newf(ErrForbidden, "You are not authorized to perform this action.")
}

// Busy reports a concurrent operation on the same resource.
func Busy(format string, args ...any) error {
	return newf(ErrBusy, format, args...)
}

// Message returns the text that may be shown to a client. Unclassified
// errors are hidden behind fallback.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return fallback
}
