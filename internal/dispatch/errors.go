package dispatch

import (
	"errors"
	"fmt"
)

// ValidationError reports handler input that fails a local constraint. It
// surfaces as an action_error event with error_kind=validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a referenced entity that does not exist. It surfaces
// as an action_error event with error_kind=not_found.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// errorKind classifies a handler error for the emitted action_error event.
func errorKind(err error) string {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return "validation"
	}
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return "not_found"
	}
	return "internal"
}
