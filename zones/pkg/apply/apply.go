package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/zones/zones/pkg/match"
	"github.com/malbeclabs/zones/zones/pkg/store"
)

type Config struct {
	Logger  *slog.Logger
	Backend store.Backend
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	return nil
}

// Applicator rewrites key values of a table to their canonical form.
type Applicator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Applicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Applicator{log: cfg.Logger, cfg: cfg}, nil
}

// Failure is a candidate whose update the backend rejected.
type Failure struct {
	Candidate match.Candidate
	Err       error
}

type Report struct {
	Table       store.QualifiedName
	Column      string
	Applied     int
	Skipped     int
	RowsUpdated int64
	Failures    []Failure
}

// Apply issues one bound-parameter update per candidate inside a single transaction. Each update runs
// in its own savepoint: a rejected candidate is rolled back and reported while the others still apply.
// Candidates whose sample already equals the canonical value are skipped.
func (a *Applicator) Apply(ctx context.Context, table store.QualifiedName, column string, candidates []match.Candidate) (*Report, error) {
	report := &Report{Table: table, Column: column}
	if len(candidates) == 0 {
		return report, nil
	}

	err := a.cfg.Backend.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, c := range candidates {
			if c.Sample == c.Canonical {
				report.Skipped++
				continue
			}
			var n int64
			err := tx.Savepoint(ctx, func(ctx context.Context, tx store.Tx) error {
				var err error
				n, err = tx.UpdateEquals(ctx, table, column, c.Canonical, c.Sample)
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.log.Warn("apply: candidate rejected", "table", table.String(), "column", column,
					"sample", c.Sample, "canonical", c.Canonical, "error", err)
				report.Failures = append(report.Failures, Failure{Candidate: c, Err: err})
				continue
			}
			report.Applied++
			report.RowsUpdated += n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply matches to %s.%s: %w", table, column, err)
	}

	a.log.Info("apply: completed", "table", table.String(), "column", column,
		"applied", report.Applied, "rows_updated", report.RowsUpdated, "failures", len(report.Failures))
	return report, nil
}
