// Package fault defines the error taxonomy shared by every component.
// Errors cross component boundaries as *Error values carrying a Kind;
// translation to HTTP status codes and wire error codes happens only at
// the protocol boundary.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for protocol translation.
type Kind string

const (
	// InvalidArgument: schema violation or malformed request. Not retried.
	InvalidArgument Kind = "invalid_argument"
	// NotFound: name or URI unknown.
	NotFound Kind = "not_found"
	// Denied: authorization failure.
	Denied Kind = "denied"
	// Conflict: registration collision.
	Conflict Kind = "conflict"
	// Overloaded: a bounded queue is full. Carries a retry-after hint.
	Overloaded Kind = "overloaded"
	// TimedOut: invocation or dependency deadline exceeded.
	TimedOut Kind = "timed_out"
	// Unavailable: a remote dependency failed. Transient; locally recovered
	// where a fallback exists.
	Unavailable Kind = "upstream_unavailable"
	// Internal: invariant violation or uncaught failure. Never echoes
	// internals to the caller.
	Internal Kind = "internal"
)

// Error is a classified error. Msg is safe to show to callers; the wrapped
// cause is for logs only.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a caller-visible message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted caller-visible message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The message is caller-visible, the
// cause is not.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Message returns the caller-visible message for err. Unclassified errors
// collapse to an opaque message so internals never leak.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return "internal error"
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	switch KindOf(err) {
	case Unavailable, TimedOut, Overloaded:
		return true
	}
	return false
}

// HTTPStatus maps a Kind to the HTTP status code used by the admin surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidArgument, NotFound:
		return http.StatusBadRequest
	case Denied:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case Overloaded:
		return http.StatusTooManyRequests
	case TimedOut:
		return http.StatusGatewayTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
