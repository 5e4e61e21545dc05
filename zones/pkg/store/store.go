package store

import (
	"context"
	"fmt"
	"strings"
)

// Schemas of the zones that live in the backend. Formatted snapshots use one schema per dataset.
const (
	TrustedSchema      = "trusted"
	ExploitationSchema = "exploitation"
)

// QualifiedName identifies a table inside a backend schema.
type QualifiedName struct {
	Schema string
	Name   string
}

func (q QualifiedName) String() string {
	if q.Schema == "" {
		return q.Name
	}
	return q.Schema + "." + q.Name
}

// Column is a declared column: its name and the type string reported by the backend catalog.
type Column struct {
	Name string
	Type string
}

// Table is one catalog entry with its columns in declaration order.
type Table struct {
	Name    QualifiedName
	Columns []Column
}

// ColumnNames returns the table's column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// TableSpec is a backend independent CREATE TABLE definition.
type TableSpec struct {
	Name       QualifiedName
	Columns    []Column
	PrimaryKey []string
	// Temporary tables live until the end of the transaction that created them.
	Temporary bool
}

// ColumnNames returns the column names in declaration order.
func (s TableSpec) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// String renders the definition in a neutral "name(col TYPE, ..., PRIMARY KEY(...))" form used in
// diagnostics.
func (s TableSpec) String() string {
	parts := make([]string, 0, len(s.Columns)+1)
	for _, c := range s.Columns {
		parts = append(parts, c.Name+" "+c.Type)
	}
	if len(s.PrimaryKey) > 0 {
		parts = append(parts, fmt.Sprintf("PRIMARY KEY(%s)", strings.Join(s.PrimaryKey, ", ")))
	}
	return fmt.Sprintf("%s(%s)", s.Name, strings.Join(parts, ", "))
}

// ColumnMapping copies Source (a column of the source table) into Target (a column of the target table).
type ColumnMapping struct {
	Source string
	Target string
}

// Backend is the storage boundary consumed by the pipeline zones.
type Backend interface {
	// Tables lists the tables of a schema with their declared columns, ordered by table name.
	// A schema that does not exist has no tables.
	Tables(ctx context.Context, schema string) ([]Table, error)
	// DistinctValues returns the distinct non-null values of a column rendered as text.
	DistinctValues(ctx context.Context, table QualifiedName, column string) ([]string, error)
	// InTx runs fn in a transaction that is committed when fn returns nil and rolled back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of statements the zones issue inside a transaction. Every method that fails because
// the backend rejected a statement returns a *BackendError.
type Tx interface {
	CreateSchema(ctx context.Context, schema string) error
	// CreateTable creates the table if it does not exist. With replace set an existing table is dropped
	// first.
	CreateTable(ctx context.Context, spec TableSpec, replace bool) error
	// AddColumns adds the columns that the existing table does not have yet.
	AddColumns(ctx context.Context, table QualifiedName, columns []Column) error
	DropTable(ctx context.Context, table QualifiedName) error
	// InsertIgnore copies rows from source into target following mapping and skips rows whose
	// target primary key already exists. It returns the number of inserted rows.
	InsertIgnore(ctx context.Context, target TableSpec, source QualifiedName, mapping []ColumnMapping) (int64, error)
	// UpdateEquals sets column to newValue on every row of table where column equals oldValue.
	UpdateEquals(ctx context.Context, table QualifiedName, column string, newValue, oldValue string) (int64, error)
	// CopyRows bulk loads text rows into table; nil entries are loaded as NULL.
	CopyRows(ctx context.Context, table QualifiedName, columns []string, rows [][]*string) (int64, error)
	// Exec runs a caller supplied statement.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// Savepoint runs fn in a nested transaction; a failure rolls back fn's work only.
	Savepoint(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
