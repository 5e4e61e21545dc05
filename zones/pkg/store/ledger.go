package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// UnifyRun records one unify invocation for a dataset.
type UnifyRun struct {
	RunID        uuid.UUID `json:"run_id"`
	Dataset      string    `json:"dataset"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Status       RunStatus `json:"status"`
	Snapshots    int       `json:"snapshots"`
	RowsInserted int64     `json:"rows_inserted"`
	Definition   string    `json:"definition"`
	Error        string    `json:"error,omitempty"`
}

// MatchRun records one match-and-apply pass over a rule.
type MatchRun struct {
	RunID        uuid.UUID `json:"run_id"`
	Rule         string    `json:"rule"`
	UpdatedTable string    `json:"updated_table"`
	Column       string    `json:"column"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Status       RunStatus `json:"status"`
	Candidates   int       `json:"candidates"`
	Applied      int       `json:"applied"`
	RowsUpdated  int64     `json:"rows_updated"`
	Failures     int       `json:"failures"`
	Error        string    `json:"error,omitempty"`
}

// Ledger persists run history.
type Ledger interface {
	RecordUnifyRun(ctx context.Context, run UnifyRun) error
	RecordMatchRun(ctx context.Context, run MatchRun) error
	RecentUnifyRuns(ctx context.Context, dataset string, limit int) ([]UnifyRun, error)
	RecentMatchRuns(ctx context.Context, limit int) ([]MatchRun, error)
}
