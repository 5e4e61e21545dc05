package unify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/zones/zones/pkg/store"
)

// SchemaError reports a key set or rename map that cannot produce a unified table.
type SchemaError struct {
	Reason      string
	MissingKeys []string
	Variables   []string
	Snapshot    string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("schema error: ")
	b.WriteString(e.Reason)
	if len(e.MissingKeys) > 0 {
		fmt.Fprintf(&b, ": %s (available: %s)", strings.Join(e.MissingKeys, ", "), strings.Join(e.Variables, ", "))
	}
	return b.String()
}

// UnifyError is a backend failure while building the unified table. The run was rolled back.
type UnifyError struct {
	Dataset    string
	Definition string
	Statement  string
	Err        error
}

func newUnifyError(dataset string, plan *Plan, err error) *UnifyError {
	ue := &UnifyError{Dataset: dataset, Definition: plan.Table.String(), Err: err}
	var be *store.BackendError
	if errors.As(err, &be) {
		ue.Statement = be.Statement
	}
	return ue
}

func (e *UnifyError) Error() string {
	return fmt.Sprintf("failed to unify dataset %s: %v", e.Dataset, e.Err)
}

func (e *UnifyError) Unwrap() error {
	return e.Err
}

// Diagnostic renders the generated definition, the failing statement and the backend cause.
func (e *UnifyError) Diagnostic() string {
	var b strings.Builder
	fmt.Fprintf(&b, "definition:\n%s\n", e.Definition)
	if e.Statement != "" {
		fmt.Fprintf(&b, "statement:\n%s\n", e.Statement)
	}
	fmt.Fprintf(&b, "cause:\n%v", e.Err)
	return b.String()
}
