package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/zones/zones/pkg/clickhouse"
	"github.com/malbeclabs/zones/zones/pkg/store"
)

// Zones that can be reset. Formatted covers every formatted_<dataset> schema.
const (
	ZoneFormatted    = "formatted"
	ZoneTrusted      = "trusted"
	ZoneExploitation = "exploitation"
)

type ResetOptions struct {
	DryRun      bool
	SkipConfirm bool
	In          io.Reader
	Out         io.Writer
}

// ResetZone drops the schemas holding a zone's tables. The landed files and pipeline configuration are
// untouched, so the zone can be rebuilt by a fetch or regenerate.
func ResetZone(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool, zone string, opts ResetOptions) error {
	schemas, err := zoneSchemas(ctx, pool, zone)
	if err != nil {
		return err
	}
	if len(schemas) == 0 {
		fmt.Fprintf(opts.Out, "No %s schemas found\n", zone)
		return nil
	}

	fmt.Fprintf(opts.Out, "WARNING: This will DROP %d schema(s) and every table in them:\n\n", len(schemas))
	for _, s := range schemas {
		fmt.Fprintf(opts.Out, "  - %s\n", s)
	}

	if opts.DryRun {
		fmt.Fprintln(opts.Out, "\n[DRY RUN] Would drop the above schemas")
		return nil
	}
	if !opts.SkipConfirm {
		ok, err := confirm(opts)
		if err != nil || !ok {
			return err
		}
	}

	for _, s := range schemas {
		if _, err := pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{s}.Sanitize()+" CASCADE"); err != nil {
			return fmt.Errorf("failed to drop schema %s: %w", s, err)
		}
		log.Info("admin: dropped schema", "schema", s)
		fmt.Fprintf(opts.Out, "  dropped %s\n", s)
	}
	fmt.Fprintf(opts.Out, "\nSuccessfully dropped %d schema(s)\n", len(schemas))
	return nil
}

func zoneSchemas(ctx context.Context, pool *pgxpool.Pool, zone string) ([]string, error) {
	var filter string
	switch zone {
	case ZoneFormatted:
		filter = `nspname LIKE 'formatted\_%'`
	case ZoneTrusted:
		filter = "nspname = '" + store.TrustedSchema + "'"
	case ZoneExploitation:
		filter = "nspname = '" + store.ExploitationSchema + "'"
	default:
		return nil, fmt.Errorf("unknown zone %q: use %s, %s or %s", zone, ZoneFormatted, ZoneTrusted, ZoneExploitation)
	}
	rows, err := pool.Query(ctx, "SELECT nspname FROM pg_catalog.pg_namespace WHERE "+filter+" ORDER BY nspname")
	if err != nil {
		return nil, fmt.Errorf("failed to query schemas: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ResetClickHouse drops every published exploitation table from database, keeping the publication log
// and goose's version table.
func ResetClickHouse(ctx context.Context, log *slog.Logger, conn clickhouse.Connection, database string, opts ResetOptions) error {
	rows, err := conn.Query(ctx, `
		SELECT name
		FROM system.tables
		WHERE database = ?
		  AND name NOT IN ('zones_publications', 'goose_db_version')
		ORDER BY name
	`, database)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read tables: %w", err)
	}

	if len(tables) == 0 {
		fmt.Fprintln(opts.Out, "No exploitation tables found")
		return nil
	}
	fmt.Fprintf(opts.Out, "WARNING: This will DROP %d table(s) from database '%s':\n\n", len(tables), database)
	for _, t := range tables {
		fmt.Fprintf(opts.Out, "  - %s\n", t)
	}
	if opts.DryRun {
		fmt.Fprintln(opts.Out, "\n[DRY RUN] Would drop the above tables")
		return nil
	}
	if !opts.SkipConfirm {
		ok, err := confirm(opts)
		if err != nil || !ok {
			return err
		}
	}

	for _, t := range tables {
		if err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+clickhouse.QuoteName(database, t)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", t, err)
		}
		log.Info("admin: dropped clickhouse table", "table", t)
		fmt.Fprintf(opts.Out, "  dropped %s\n", t)
	}
	fmt.Fprintf(opts.Out, "\nSuccessfully dropped %d table(s)\n", len(tables))
	return nil
}

func confirm(opts ResetOptions) (bool, error) {
	fmt.Fprintf(opts.Out, "\nThis is a DESTRUCTIVE operation that cannot be undone!\n")
	fmt.Fprintf(opts.Out, "Type 'yes' to confirm: ")

	response, err := bufio.NewReader(opts.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	if strings.TrimSpace(strings.ToLower(response)) != "yes" {
		fmt.Fprintf(opts.Out, "\nConfirmation failed. Operation cancelled.\n")
		return false, nil
	}
	fmt.Fprintln(opts.Out)
	return true, nil
}
