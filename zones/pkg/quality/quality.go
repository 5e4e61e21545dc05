package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/zones/zones/pkg/apply"
	"github.com/malbeclabs/zones/zones/pkg/match"
	"github.com/malbeclabs/zones/zones/pkg/metrics"
	"github.com/malbeclabs/zones/zones/pkg/registry"
	"github.com/malbeclabs/zones/zones/pkg/store"
)

type Config struct {
	Logger   *slog.Logger
	Backend  store.Backend
	Registry *registry.Registry
	// Ledger is optional; when set every rule run is recorded.
	Ledger    store.Ledger
	Clock     clockwork.Clock
	Threshold int
	// Schema holding the unified tables, trusted by default.
	Schema string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = match.DefaultThreshold
	}
	if cfg.Schema == "" {
		cfg.Schema = store.TrustedSchema
	}
	return nil
}

// Checker aligns key values between datasets joined by registered match rules.
type Checker struct {
	log     *slog.Logger
	cfg     Config
	applier *apply.Applicator
}

func New(cfg Config) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	applier, err := apply.New(apply.Config{Logger: cfg.Logger, Backend: cfg.Backend})
	if err != nil {
		return nil, err
	}
	return &Checker{log: cfg.Logger, cfg: cfg, applier: applier}, nil
}

// RuleReport is the outcome of one rule. Updated is the side whose column was rewritten.
type RuleReport struct {
	RunID   uuid.UUID
	Rule    registry.Rule
	Updated registry.Side
	Match   *match.Result
	Apply   *apply.Report
	Err     error
}

type Report struct {
	Dataset string
	Rules   []RuleReport
}

// Err joins the errors of the rules that failed.
func (r *Report) Err() error {
	var errs []error
	for _, rr := range r.Rules {
		if rr.Err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rr.Rule, rr.Err))
		}
	}
	return errors.Join(errs...)
}

// Check runs every rule mentioning dataset in registration order. A failing rule is reported and the
// rest still run; the returned error is reserved for an unreadable registry or a cancelled context.
func (c *Checker) Check(ctx context.Context, dataset string) (*Report, error) {
	rules, err := c.cfg.Registry.RulesFor(dataset)
	if err != nil {
		return nil, err
	}
	report := &Report{Dataset: dataset}
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rr := c.CheckRule(ctx, rule)
		if rr.Err != nil {
			c.log.Error("quality: rule failed", "rule", rule.String(), "error", rr.Err)
		}
		report.Rules = append(report.Rules, rr)
	}
	return report, nil
}

// Preview computes the candidates of rule without touching either table.
func (c *Checker) Preview(ctx context.Context, rule registry.Rule) (*match.Result, registry.Side, error) {
	left, err := c.values(ctx, rule.Left)
	if err != nil {
		return nil, registry.Side{}, err
	}
	right, err := c.values(ctx, rule.Right)
	if err != nil {
		return nil, registry.Side{}, err
	}
	res := match.Match(left, right, c.cfg.Threshold)
	updated := rule.Left
	if res.Swapped {
		updated = rule.Right
	}
	return res, updated, nil
}

// CheckRule matches the two sides of rule and rewrites the sample side to the canonical values.
func (c *Checker) CheckRule(ctx context.Context, rule registry.Rule) RuleReport {
	rr := RuleReport{RunID: uuid.New(), Rule: rule}
	started := c.cfg.Clock.Now()

	res, updated, err := c.Preview(ctx, rule)
	rr.Match, rr.Updated, rr.Err = res, updated, err
	if err == nil {
		metrics.MatchCandidates.Observe(float64(len(res.Candidates)))
		rr.Apply, rr.Err = c.applier.Apply(ctx, c.table(updated), updated.Column, res.Candidates)
	}
	if rr.Apply != nil {
		metrics.MatchRowsUpdated.Add(float64(rr.Apply.RowsUpdated))
		metrics.MatchFailuresTotal.Add(float64(len(rr.Apply.Failures)))
	}
	metrics.RecordStage("quality", rr.Err)
	c.record(ctx, rr, started)
	return rr
}

func (c *Checker) values(ctx context.Context, side registry.Side) ([]string, error) {
	values, err := c.cfg.Backend.DistinctValues(ctx, c.table(side), side.Column)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", side, err)
	}
	return values, nil
}

func (c *Checker) table(side registry.Side) store.QualifiedName {
	return store.QualifiedName{Schema: c.cfg.Schema, Name: side.Dataset}
}

func (c *Checker) record(ctx context.Context, rr RuleReport, started time.Time) {
	if c.cfg.Ledger == nil {
		return
	}
	run := store.MatchRun{
		RunID:      rr.RunID,
		Rule:       rr.Rule.String(),
		StartedAt:  started,
		FinishedAt: c.cfg.Clock.Now(),
		Status:     store.RunStatusSucceeded,
	}
	// a rule that failed before matching has no updated side
	if rr.Updated.Dataset != "" {
		run.UpdatedTable = c.table(rr.Updated).String()
		run.Column = rr.Updated.Column
	}
	if rr.Match != nil {
		run.Candidates = len(rr.Match.Candidates)
	}
	if rr.Apply != nil {
		run.Applied = rr.Apply.Applied
		run.RowsUpdated = rr.Apply.RowsUpdated
		run.Failures = len(rr.Apply.Failures)
	}
	if rr.Err != nil {
		run.Status = store.RunStatusFailed
		run.Error = rr.Err.Error()
	}
	if err := c.cfg.Ledger.RecordMatchRun(ctx, run); err != nil {
		c.log.Warn("quality: failed to record match run", "rule", run.Rule, "error", err)
	}
}
