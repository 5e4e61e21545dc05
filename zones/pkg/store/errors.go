package store

import (
	"errors"
	"fmt"
)

// BackendError reports a statement the backend refused, together with the statement text so the
// failure can be shown to the user.
type BackendError struct {
	Op        string
	Statement string
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend rejected %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Diagnostic returns a multi-line report with the statement and the backend cause.
func (e *BackendError) Diagnostic() string {
	return fmt.Sprintf("statement:\n%s\ncause:\n%v", e.Statement, e.Err)
}

// IsBackendError reports whether err wraps a *BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
