// Package errors provides error handling for MetaGate.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// It also defines the sentinel errors for every failure kind the bootstrap
// core can produce. Each sentinel maps 1:1 to a stable machine-readable
// code surfaced to callers; wrap them with errors.Wrap() to add context
// while preserving the kind.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	if errors.Is(err, errors.ErrAttemptNotFound) {
//	    // handle unknown attempt
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors for the bootstrap core. Every core-path failure is or
// wraps exactly one of these; the server maps them to HTTP statuses and
// the codes below are echoed verbatim in error responses.
var (
	// ErrPrincipalNotFound indicates no active principal matches the
	// verified auth subject.
	ErrPrincipalNotFound = New("principal not found")

	// ErrNoActiveBinding indicates the principal has no active binding.
	ErrNoActiveBinding = New("no active binding")

	// ErrBindingConflict indicates more than one active binding exists for
	// a principal. This is a data-integrity violation; resolution fails
	// closed rather than picking one arbitrarily.
	ErrBindingConflict = New("binding conflict")

	// ErrComponentNotPermitted indicates the requested component key is not
	// in the profile's allow-list.
	ErrComponentNotPermitted = New("component not permitted")

	// ErrForbiddenKey indicates a composed packet contains a reserved key.
	// This is bad reference data, not caller error.
	ErrForbiddenKey = New("forbidden key violation")

	// ErrAttemptNotFound indicates an unknown startup attempt identifier.
	ErrAttemptNotFound = New("attempt not found")

	// ErrInvalidTransition indicates a lifecycle transition was requested
	// on an attempt that is already terminal.
	ErrInvalidTransition = New("invalid transition")

	// ErrPrincipalMismatch indicates the caller's principal-key hint does
	// not match the resolved principal.
	ErrPrincipalMismatch = New("principal key mismatch")

	// ErrUnauthorized indicates the request lacks valid credentials.
	ErrUnauthorized = New("unauthorized")

	// ErrForbidden indicates the authenticated caller may not perform the
	// requested operation.
	ErrForbidden = New("forbidden")

	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid.
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict (e.g., duplicate key).
	ErrConflict = New("resource conflict")
)

// Code returns the stable machine-readable code for a core-path error, or
// "INTERNAL" when the error does not wrap a known sentinel.
func Code(err error) string {
	switch {
	case Is(err, ErrPrincipalNotFound):
		return "PRINCIPAL_NOT_FOUND"
	case Is(err, ErrNoActiveBinding):
		return "NO_ACTIVE_BINDING"
	case Is(err, ErrBindingConflict):
		return "BINDING_CONFLICT"
	case Is(err, ErrComponentNotPermitted):
		return "COMPONENT_NOT_PERMITTED"
	case Is(err, ErrForbiddenKey):
		return "FORBIDDEN_KEY_VIOLATION"
	case Is(err, ErrAttemptNotFound):
		return "ATTEMPT_NOT_FOUND"
	case Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case Is(err, ErrPrincipalMismatch):
		return "PRINCIPAL_MISMATCH"
	case Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case Is(err, ErrForbidden):
		return "FORBIDDEN"
	case Is(err, ErrNotFound):
		return "NOT_FOUND"
	case Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case Is(err, ErrConflict):
		return "CONFLICT"
	default:
		return "INTERNAL"
	}
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
