package secure

import (
	"errors"
	"fmt"
)

// Errors visible to route handlers. Everything else is collapsed into
// ErrInternal and logged server-side.
var (
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("not found")
	ErrInternal  = errors.New("internal error")
)

// ValidationError reports caller input that was refused.
type ValidationError struct {
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
