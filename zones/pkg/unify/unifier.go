package unify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/zones/zones/pkg/store"
)

type UnifierConfig struct {
	Logger  *slog.Logger
	Backend store.Backend
}

func (cfg *UnifierConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	return nil
}

// Unifier folds the snapshots of a dataset into its unified table.
type Unifier struct {
	log *slog.Logger
	cfg UnifierConfig
}

func NewUnifier(cfg UnifierConfig) (*Unifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Unifier{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

type Request struct {
	Dataset string
	// SourceSchema holds the dataset's snapshots, one table per snapshot.
	SourceSchema string
	Target       store.QualifiedName
	Config       Config
	// Replace drops the unified table before rebuilding it.
	Replace bool
}

type Result struct {
	Plan         *Plan
	RowsInserted int64
}

// Unify builds the plan for the request and executes it in a single transaction. Without Replace, keys
// already present in the unified table are never overwritten; a failure rolls back everything the run
// did, including the drop of a replaced table.
func (u *Unifier) Unify(ctx context.Context, req Request) (*Result, error) {
	snapshots, err := u.cfg.Backend.Tables(ctx, req.SourceSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots of %s: %w", req.Dataset, err)
	}

	plan, err := BuildPlan(req.Target, snapshots, req.Config)
	if err != nil {
		return nil, err
	}

	u.log.Info("unify: executing plan", "dataset", req.Dataset, "target", req.Target.String(),
		"snapshots", len(plan.Inserts), "columns", len(plan.Table.Columns), "replace", req.Replace)

	var total int64
	err = u.cfg.Backend.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if req.Target.Schema != "" {
			if err := tx.CreateSchema(ctx, req.Target.Schema); err != nil {
				return err
			}
		}
		if err := tx.CreateTable(ctx, plan.Table, req.Replace); err != nil {
			return err
		}
		if !req.Replace {
			if err := tx.AddColumns(ctx, plan.Table.Name, plan.Table.Columns); err != nil {
				return err
			}
		}
		for _, ins := range plan.Inserts {
			n, err := tx.InsertIgnore(ctx, plan.Table, ins.Snapshot, ins.Mapping)
			if err != nil {
				return err
			}
			u.log.Debug("unify: inserted snapshot", "dataset", req.Dataset, "snapshot", ins.Snapshot.String(), "rows", n)
			total += n
		}
		return nil
	})
	if err != nil {
		return nil, newUnifyError(req.Dataset, plan, err)
	}

	u.log.Info("unify: completed", "dataset", req.Dataset, "rows_inserted", total)
	return &Result{Plan: plan, RowsInserted: total}, nil
}
