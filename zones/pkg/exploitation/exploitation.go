package exploitation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/zones/zones/pkg/config"
)

// Publisher rebuilds one exploitation table from a query over the trusted zone.
type Publisher interface {
	Publish(ctx context.Context, table, query string) (int64, error)
	Target() string
}

type Config struct {
	Logger    *slog.Logger
	Tables    *config.Tables
	Publisher Publisher
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Tables == nil {
		return errors.New("tables are required")
	}
	if cfg.Publisher == nil {
		return errors.New("publisher is required")
	}
	return nil
}

type Exploiter struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Exploiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Exploiter{log: cfg.Logger, cfg: cfg}, nil
}

type TableResult struct {
	Table string
	Rows  int64
	Err   error
}

type Report struct {
	Target string
	Tables []TableResult
}

// Err joins the errors of the tables that failed.
func (r *Report) Err() error {
	var errs []error
	for _, t := range r.Tables {
		if t.Err != nil {
			errs = append(errs, fmt.Errorf("table %s: %w", t.Table, t.Err))
		}
	}
	return errors.Join(errs...)
}

// PublishAll rebuilds every configured table in name order. A failing table does not stop the others;
// its error is in the report.
func (e *Exploiter) PublishAll(ctx context.Context) (*Report, error) {
	defs, err := e.cfg.Tables.Load()
	if err != nil {
		return nil, err
	}
	names, err := e.cfg.Tables.Names()
	if err != nil {
		return nil, err
	}

	report := &Report{Target: e.cfg.Publisher.Target()}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rows, err := e.publish(ctx, name, defs[name])
		report.Tables = append(report.Tables, TableResult{Table: name, Rows: rows, Err: err})
	}
	return report, nil
}

// Publish rebuilds a single configured table.
func (e *Exploiter) Publish(ctx context.Context, name string) (int64, error) {
	query, err := e.cfg.Tables.Get(name)
	if err != nil {
		return 0, err
	}
	return e.publish(ctx, name, query)
}

func (e *Exploiter) publish(ctx context.Context, name, query string) (int64, error) {
	rows, err := e.cfg.Publisher.Publish(ctx, name, cleanQuery(query))
	if err != nil {
		e.log.Error("exploitation: failed to publish table", "table", name, "target", e.cfg.Publisher.Target(), "error", err)
		return 0, err
	}
	e.log.Info("exploitation: published table", "table", name, "target", e.cfg.Publisher.Target(), "rows", rows)
	return rows, nil
}

func cleanQuery(query string) string {
	return strings.TrimRight(strings.TrimSpace(query), "; \t\n")
}
