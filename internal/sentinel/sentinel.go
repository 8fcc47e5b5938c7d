// Package sentinel holds the error values shared by the stores and engines.
// Stores return them (usually wrapped) and the HTTP layer maps them to status
// codes, so callers only ever need errors.Is.
package sentinel

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleData means a record changed after the caller observed it. The
	// caller must discard its edit and re-fetch; it is never retried blindly.
	ErrStaleData = errors.New("stale data")
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for lookups by id that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps transport or infrastructure failures of the store.
	ErrUnavailable     = errors.New("store unavailable")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// ValidationError describes input rejected before any store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Unavailable wraps err so it matches ErrUnavailable while keeping the cause.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
