package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/zones/zones/pkg/store"
)

type BackendConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *BackendConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Backend implements store.Backend on PostgreSQL. Schemas play the role of attached stores: the
// formatted snapshots of a dataset live in their own schema and are referenced by qualified name.
type Backend struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewBackend(cfg BackendConfig) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Backend{
		log:  cfg.Logger,
		pool: cfg.Pool,
	}, nil
}

const listTablesQuery = `
	SELECT c.relname, a.attname, format_type(a.atttypid, a.atttypmod)
	FROM pg_catalog.pg_attribute a
	JOIN pg_catalog.pg_class c ON c.oid = a.attrelid
	JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
	WHERE n.nspname = $1
		AND c.relkind IN ('r', 'p')
		AND a.attnum > 0
		AND NOT a.attisdropped
	ORDER BY c.relname, a.attnum
`

func (b *Backend) Tables(ctx context.Context, schema string) ([]store.Table, error) {
	rows, err := b.pool.Query(ctx, listTablesQuery, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables of schema %s: %w", schema, err)
	}
	defer rows.Close()

	var tables []store.Table
	for rows.Next() {
		var tableName, colName, colType string
		if err := rows.Scan(&tableName, &colName, &colType); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		if len(tables) == 0 || tables[len(tables)-1].Name.Name != tableName {
			tables = append(tables, store.Table{
				Name: store.QualifiedName{Schema: schema, Name: tableName},
			})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, store.Column{Name: colName, Type: colType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}

	b.log.Debug("postgres: listed tables", "schema", schema, "count", len(tables))
	return tables, nil
}

func (b *Backend) DistinctValues(ctx context.Context, table store.QualifiedName, column string) ([]string, error) {
	col := quoteIdent(column)
	query := fmt.Sprintf("SELECT DISTINCT %s::text FROM %s WHERE %s IS NOT NULL", col, quoteName(table), col)

	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, &store.BackendError{Op: "select distinct", Statement: query, Err: err}
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan distinct value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.BackendError{Op: "select distinct", Statement: query, Err: err}
	}
	return values, nil
}

func (b *Backend) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txn{log: b.log, tx: tx})
	})
}

// Stream runs a read-only query with schema first on the search path. onColumns receives the result
// columns before onRow sees the first row; row values are pgx's decoded Go values.
func (b *Backend) Stream(ctx context.Context, schema, query string, onColumns func([]store.Column) error, onRow func([]any) error) error {
	return pgx.BeginTxFunc(ctx, b.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		if schema != "" {
			setPath := fmt.Sprintf("SET LOCAL search_path TO %s, public", quoteIdent(schema))
			if _, err := tx.Exec(ctx, setPath); err != nil {
				return &store.BackendError{Op: "set search_path", Statement: setPath, Err: err}
			}
		}

		rows, err := tx.Query(ctx, query)
		if err != nil {
			return &store.BackendError{Op: "select", Statement: query, Err: err}
		}
		defer rows.Close()

		typeMap := tx.Conn().TypeMap()
		fields := rows.FieldDescriptions()
		columns := make([]store.Column, len(fields))
		for i, fd := range fields {
			typeName := "text"
			if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
				typeName = t.Name
			}
			columns[i] = store.Column{Name: fd.Name, Type: typeName}
		}
		if err := onColumns(columns); err != nil {
			return err
		}

		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return fmt.Errorf("failed to decode row: %w", err)
			}
			if err := onRow(values); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return &store.BackendError{Op: "select", Statement: query, Err: err}
		}
		return nil
	})
}

type txn struct {
	log *slog.Logger
	tx  pgx.Tx
}

func (t *txn) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	t.log.Debug("postgres: exec", "op", op, "query", query)
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, &store.BackendError{Op: op, Statement: query, Err: err}
	}
	return tag.RowsAffected(), nil
}

func (t *txn) CreateSchema(ctx context.Context, schema string) error {
	_, err := t.exec(ctx, "create schema", "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema))
	return err
}

func (t *txn) CreateTable(ctx context.Context, spec store.TableSpec, replace bool) error {
	if replace {
		if err := t.DropTable(ctx, spec.Name); err != nil {
			return err
		}
	}
	_, err := t.exec(ctx, "create table", CreateTableStatement(spec))
	return err
}

func (t *txn) AddColumns(ctx context.Context, table store.QualifiedName, columns []store.Column) error {
	if len(columns) == 0 {
		return nil
	}
	clauses := make([]string, len(columns))
	for i, c := range columns {
		clauses[i] = fmt.Sprintf("ADD COLUMN IF NOT EXISTS %s %s", quoteIdent(c.Name), c.Type)
	}
	query := fmt.Sprintf("ALTER TABLE %s %s", quoteName(table), strings.Join(clauses, ", "))
	_, err := t.exec(ctx, "alter table", query)
	return err
}

func (t *txn) DropTable(ctx context.Context, table store.QualifiedName) error {
	_, err := t.exec(ctx, "drop table", "DROP TABLE IF EXISTS "+quoteName(table))
	return err
}

func (t *txn) InsertIgnore(ctx context.Context, target store.TableSpec, source store.QualifiedName, mapping []store.ColumnMapping) (int64, error) {
	return t.exec(ctx, "insert", InsertIgnoreStatement(target, source, mapping))
}

func (t *txn) UpdateEquals(ctx context.Context, table store.QualifiedName, column string, newValue, oldValue string) (int64, error) {
	return t.exec(ctx, "update", UpdateEqualsStatement(table, column), newValue, oldValue)
}

func (t *txn) CopyRows(ctx context.Context, table store.QualifiedName, columns []string, rows [][]*string) (int64, error) {
	values := make([][]any, len(rows))
	for i, row := range rows {
		values[i] = make([]any, len(row))
		for j, v := range row {
			if v != nil {
				values[i][j] = *v
			}
		}
	}
	ident := pgx.Identifier{table.Schema, table.Name}
	if table.Schema == "" {
		ident = pgx.Identifier{table.Name}
	}
	n, err := t.tx.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(values))
	if err != nil {
		return 0, &store.BackendError{
			Op:        "copy",
			Statement: fmt.Sprintf("COPY %s (%s) FROM STDIN", quoteName(table), quoteIdents(columns)),
			Err:       err,
		}
	}
	return n, nil
}

func (t *txn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return t.exec(ctx, "exec", query, args...)
}

func (t *txn) Savepoint(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return pgx.BeginFunc(ctx, t.tx, func(nested pgx.Tx) error {
		return fn(ctx, &txn{log: t.log, tx: nested})
	})
}

// CreateTableStatement renders spec as a CREATE TABLE IF NOT EXISTS statement, or as a temporary table
// dropped at commit.
func CreateTableStatement(spec store.TableSpec) string {
	defs := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(c.Name), c.Type))
	}
	if len(spec.PrimaryKey) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteIdents(spec.PrimaryKey)))
	}
	if spec.Temporary {
		return fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP", quoteName(spec.Name), strings.Join(defs, ", "))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteName(spec.Name), strings.Join(defs, ", "))
}

// InsertIgnoreStatement renders an INSERT ... SELECT that skips rows whose key already exists.
func InsertIgnoreStatement(target store.TableSpec, source store.QualifiedName, mapping []store.ColumnMapping) string {
	targetCols := make([]string, len(mapping))
	sourceCols := make([]string, len(mapping))
	for i, m := range mapping {
		targetCols[i] = m.Target
		sourceCols[i] = m.Source
	}
	conflict := "ON CONFLICT DO NOTHING"
	if len(target.PrimaryKey) > 0 {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", quoteIdents(target.PrimaryKey))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s %s",
		quoteName(target.Name), quoteIdents(targetCols), quoteIdents(sourceCols), quoteName(source), conflict)
}

// UpdateEqualsStatement renders the parameterized rewrite of one key value: $1 is the new value and
// $2 the value being replaced, compared on its text rendering.
func UpdateEqualsStatement(table store.QualifiedName, column string) string {
	col := quoteIdent(column)
	return fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s::text = $2", quoteName(table), col, col)
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func quoteName(q store.QualifiedName) string {
	if q.Schema == "" {
		return quoteIdent(q.Name)
	}
	return pgx.Identifier{q.Schema, q.Name}.Sanitize()
}

// QuoteName returns the quoted, schema qualified form of q for use in caller supplied SQL.
func QuoteName(q store.QualifiedName) string {
	return quoteName(q)
}
