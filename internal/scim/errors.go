package scim

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the gateway's error taxonomy. Backends wrap these
// so callers can classify outcomes with errors.Is.
var (
	// ErrNotFound means an id or filtered lookup matched nothing. For reads
	// this is a normal outcome, not a failure.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput means a malformed filter expression, patch path or
	// value, or an unmappable required field.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict means the directory rejected a write due to a constraint,
	// typically a uniqueness violation.
	ErrConflict = errors.New("conflict")

	// ErrInfrastructure means pool exhaustion, session failure, or a
	// directory timeout. Retryable at the caller's discretion.
	ErrInfrastructure = errors.New("infrastructure failure")

	// ErrNoTarget means a patch add or replace addressed a filtered
	// multi-valued path that matched no values. Always wrapped together
	// with ErrInvalidInput, so it surfaces as a bad request with the
	// noTarget error type.
	ErrNoTarget = errors.New("no patch target")
)

// NotFoundf wraps ErrNotFound with detail.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// InvalidInputf wraps ErrInvalidInput with detail.
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// NoTargetf wraps ErrInvalidInput and ErrNoTarget with detail.
func NoTargetf(format string, args ...any) error {
	return fmt.Errorf("%w: %w: "+format, append([]any{ErrInvalidInput, ErrNoTarget}, args...)...)
}

// Conflictf wraps ErrConflict with detail.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// Infrastructuref wraps ErrInfrastructure with detail.
func Infrastructuref(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInfrastructure}, args...)...)
}
