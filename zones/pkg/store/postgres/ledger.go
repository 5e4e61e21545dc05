package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/zones/zones/pkg/store"
)

// Ledger stores run history in the zones schema created by the migrations.
type Ledger struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewLedger(log *slog.Logger, pool *pgxpool.Pool) (*Ledger, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	return &Ledger{log: log, pool: pool}, nil
}

func (l *Ledger) RecordUnifyRun(ctx context.Context, run store.UnifyRun) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO zones.unify_runs
			(run_id, dataset, started_at, finished_at, status, snapshots, rows_inserted, definition, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.RunID, run.Dataset, run.StartedAt, run.FinishedAt, string(run.Status),
		run.Snapshots, run.RowsInserted, run.Definition, run.Error)
	if err != nil {
		return fmt.Errorf("failed to record unify run: %w", err)
	}
	return nil
}

func (l *Ledger) RecordMatchRun(ctx context.Context, run store.MatchRun) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO zones.match_runs
			(run_id, rule, updated_table, column_name, started_at, finished_at, status,
			 candidates, applied, rows_updated, failures, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, run.RunID, run.Rule, run.UpdatedTable, run.Column, run.StartedAt, run.FinishedAt, string(run.Status),
		run.Candidates, run.Applied, run.RowsUpdated, run.Failures, run.Error)
	if err != nil {
		return fmt.Errorf("failed to record match run: %w", err)
	}
	return nil
}

func (l *Ledger) RecentUnifyRuns(ctx context.Context, dataset string, limit int) ([]store.UnifyRun, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT run_id, dataset, started_at, finished_at, status, snapshots, rows_inserted, definition, error
		FROM zones.unify_runs
		WHERE $1 = '' OR dataset = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, dataset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unify runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.UnifyRun, error) {
		var r store.UnifyRun
		var status string
		err := row.Scan(&r.RunID, &r.Dataset, &r.StartedAt, &r.FinishedAt, &status,
			&r.Snapshots, &r.RowsInserted, &r.Definition, &r.Error)
		r.Status = store.RunStatus(status)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan unify runs: %w", err)
	}
	return runs, nil
}

func (l *Ledger) RecentMatchRuns(ctx context.Context, limit int) ([]store.MatchRun, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT run_id, rule, updated_table, column_name, started_at, finished_at, status,
			candidates, applied, rows_updated, failures, error
		FROM zones.match_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query match runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.MatchRun, error) {
		var r store.MatchRun
		var status string
		err := row.Scan(&r.RunID, &r.Rule, &r.UpdatedTable, &r.Column, &r.StartedAt, &r.FinishedAt, &status,
			&r.Candidates, &r.Applied, &r.RowsUpdated, &r.Failures, &r.Error)
		r.Status = store.RunStatus(status)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan match runs: %w", err)
	}
	return runs, nil
}
