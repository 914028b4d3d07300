// internal/fault/fault.go
package fault

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the failure taxonomy of the API. Services wrap
// these with context via the *f constructors; callers inspect them with
// errors.Is and the HTTP layer maps them to status codes.
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalid         = errors.New("validation failed")
	ErrRateLimited     = errors.New("rate limited")
)

// NotFoundf reports that a referenced entity is absent.
func NotFoundf(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// Forbiddenf reports that the access policy denied the operation.
func Forbiddenf(format string, args ...any) error {
	return wrap(ErrForbidden, format, args...)
}

// Conflictf reports that the operation would violate an invariant
// (no availability, double return, quantity below outstanding loans, ...).
func Conflictf(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

// Unauthenticatedf reports a missing or invalid session.
func Unauthenticatedf(format string, args ...any) error {
	return wrap(ErrUnauthenticated, format, args...)
}

// Invalidf reports malformed input.
func Invalidf(format string, args ...any) error {
	return wrap(ErrInvalid, format, args...)
}

// RateLimitedf reports that the caller exceeded a request budget.
func RateLimitedf(format string, args ...any) error {
	return wrap(ErrRateLimited, format, args...)
}

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
