package monitor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a condition or alert id is unknown.
var ErrNotFound = errors.New("monitor: not found")

// ValidationError describes a rejected condition or preset request.
type ValidationError struct {
	Field   string
	Message string
	Valid   []string
}

func (e *ValidationError) Error() string {
	if len(e.Valid) > 0 {
		return fmt.Sprintf("invalid %s: %s (valid: %s)", e.Field, e.Message, strings.Join(e.Valid, ", "))
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
