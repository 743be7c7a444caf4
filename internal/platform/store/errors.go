package store

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("store: validation failed")
	// ErrTransientStore marks contention that outlived the retry budget.
	ErrTransientStore = errors.New("store: transient store error")
	// ErrInvariantViolation means a row from another tenant reached a
	// tenant-bound scope. It is never expected and never recovered.
	ErrInvariantViolation = errors.New("store: tenant invariant violated")
	// ErrNoScope is returned when an operation is attempted without a
	// resolved scope.
	ErrNoScope = errors.New("store: no tenant scope")
)

// ValidationError describes caller input the store refused.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, a ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, a...)}
}
