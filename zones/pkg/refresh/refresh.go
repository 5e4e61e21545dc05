package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/zones/zones/pkg/cleaning"
	"github.com/malbeclabs/zones/zones/pkg/config"
	"github.com/malbeclabs/zones/zones/pkg/exploitation"
	"github.com/malbeclabs/zones/zones/pkg/formatted"
	"github.com/malbeclabs/zones/zones/pkg/landing"
	"github.com/malbeclabs/zones/zones/pkg/metrics"
	"github.com/malbeclabs/zones/zones/pkg/quality"
	"github.com/malbeclabs/zones/zones/pkg/registry"
	"github.com/malbeclabs/zones/zones/pkg/store"
	"github.com/malbeclabs/zones/zones/pkg/unify"
)

const (
	ModeFetch      = "fetch"
	ModeRegenerate = "regenerate"
)

// Refresher runs pipelines through every zone. Runs are serialized.
type Refresher struct {
	log *slog.Logger
	cfg Config

	pipelines *config.Pipelines
	registry  *registry.Registry
	tables    *config.Tables

	lander    *landing.Lander
	loader    *formatted.Loader
	unifier   *unify.Unifier
	cleaner   *cleaning.Cleaner
	checker   *quality.Checker
	exploiter *exploitation.Exploiter

	refreshMu sync.Mutex
	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Refresher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Layout.EnsureDirs(); err != nil {
		return nil, err
	}

	reg, err := registry.New(registry.Config{Logger: cfg.Logger, Path: cfg.Layout.DataQualityPath()})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	lander, err := landing.New(landing.Config{
		Logger:            cfg.Logger,
		Layout:            cfg.Layout,
		Clock:             cfg.Clock,
		HTTPClient:        cfg.HTTPClient,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Retry:             cfg.Retry,
		S3:                cfg.S3,
		Overwrite:         cfg.Overwrite,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lander: %w", err)
	}
	loader, err := formatted.New(formatted.Config{Logger: cfg.Logger, Backend: cfg.Backend, Layout: cfg.Layout})
	if err != nil {
		return nil, fmt.Errorf("failed to create loader: %w", err)
	}
	unifier, err := unify.NewUnifier(unify.UnifierConfig{Logger: cfg.Logger, Backend: cfg.Backend})
	if err != nil {
		return nil, fmt.Errorf("failed to create unifier: %w", err)
	}
	cleaner, err := cleaning.New(cleaning.Config{Logger: cfg.Logger, Backend: cfg.Backend})
	if err != nil {
		return nil, fmt.Errorf("failed to create cleaner: %w", err)
	}
	checker, err := quality.New(quality.Config{
		Logger:    cfg.Logger,
		Backend:   cfg.Backend,
		Registry:  reg,
		Ledger:    cfg.Ledger,
		Clock:     cfg.Clock,
		Threshold: cfg.MatchThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quality checker: %w", err)
	}

	var publisher exploitation.Publisher = exploitation.NewPostgresPublisher(cfg.Logger, cfg.Backend)
	if cfg.ClickHouse != nil {
		publisher, err = exploitation.NewClickHousePublisher(exploitation.ClickHouseConfig{
			Logger:   cfg.Logger,
			Source:   cfg.Backend,
			Client:   cfg.ClickHouse,
			Database: cfg.ClickHouseDatabase,
			Clock:    cfg.Clock,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create clickhouse publisher: %w", err)
		}
	}
	tables := config.NewTables(cfg.Layout)
	exploiter, err := exploitation.New(exploitation.Config{Logger: cfg.Logger, Tables: tables, Publisher: publisher})
	if err != nil {
		return nil, fmt.Errorf("failed to create exploiter: %w", err)
	}

	return &Refresher{
		log:       cfg.Logger,
		cfg:       cfg,
		pipelines: config.NewPipelines(cfg.Layout),
		registry:  reg,
		tables:    tables,
		lander:    lander,
		loader:    loader,
		unifier:   unifier,
		cleaner:   cleaner,
		checker:   checker,
		exploiter: exploiter,
		readyCh:   make(chan struct{}),
	}, nil
}

func (r *Refresher) Pipelines() *config.Pipelines { return r.pipelines }
func (r *Refresher) Registry() *registry.Registry { return r.registry }
func (r *Refresher) Tables() *config.Tables       { return r.tables }
func (r *Refresher) Checker() *quality.Checker    { return r.checker }
func (r *Refresher) Exploiter() *exploitation.Exploiter {
	return r.exploiter
}

// PipelineReport is what one pipeline went through during a run. Stages that did not run are nil.
type PipelineReport struct {
	Dataset    string
	Landed     *landing.Result
	Formatted  *formatted.Result
	UnifyRunID uuid.UUID
	Unified    *unify.Result
	Cleaned    []int64
	Quality    *quality.Report
}

type Report struct {
	Mode         string
	Pipelines    []*PipelineReport
	Exploitation *exploitation.Report
}

// Fetch lands a new snapshot of each named pipeline and carries it through to the exploitation zone.
// With no names every configured pipeline is fetched. Stages run breadth first so that quality rules
// see every refreshed table; the first failing stage aborts the run.
func (r *Refresher) Fetch(ctx context.Context, names ...string) (*Report, error) {
	return r.run(ctx, ModeFetch, names)
}

// Regenerate rebuilds every trusted table from its formatted snapshots, then reruns cleaning, quality
// and exploitation. Nothing is downloaded.
//
// Fetch rebuilds the trusted tables of the fetched pipelines the same way, so the keep policy and the
// latest column types always apply across every snapshot.
func (r *Refresher) Regenerate(ctx context.Context) (*Report, error) {
	return r.run(ctx, ModeRegenerate, nil)
}

func (r *Refresher) run(ctx context.Context, mode string, names []string) (report *Report, err error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	start := r.cfg.Clock.Now()
	defer func() {
		metrics.RecordRefresh(mode, r.cfg.Clock.Since(start), err)
		if err == nil {
			r.log.Info("refresh: completed", "mode", mode, "pipelines", len(report.Pipelines), "duration", r.cfg.Clock.Since(start).String())
		}
	}()

	pipelines, err := r.load(names)
	if err != nil {
		return nil, err
	}
	report = &Report{Mode: mode}
	for _, p := range pipelines {
		report.Pipelines = append(report.Pipelines, &PipelineReport{Dataset: p.Name})
	}

	if mode == ModeFetch {
		for i, p := range pipelines {
			pr := report.Pipelines[i]
			if err := r.stage(ctx, "landing", p.Name, func() (err error) {
				pr.Landed, err = r.lander.Land(ctx, p)
				return err
			}); err != nil {
				return report, err
			}
			if err := r.stage(ctx, "formatted", p.Name, func() (err error) {
				pr.Formatted, err = r.loader.Load(ctx, p)
				return err
			}); err != nil {
				return report, err
			}
		}
	}

	for i, p := range pipelines {
		pr := report.Pipelines[i]
		if err := r.stage(ctx, "unify", p.Name, func() (err error) {
			pr.UnifyRunID, pr.Unified, err = r.unify(ctx, p)
			return err
		}); err != nil {
			return report, err
		}
	}
	for i, p := range pipelines {
		pr := report.Pipelines[i]
		if err := r.stage(ctx, "cleaning", p.Name, func() (err error) {
			pr.Cleaned, err = r.cleaner.Clean(ctx, trustedTable(p.Name), p.Transformations)
			return err
		}); err != nil {
			return report, err
		}
	}
	for i, p := range pipelines {
		pr := report.Pipelines[i]
		// rule failures are in the report; only an unreadable registry stops the run
		pr.Quality, err = r.checker.Check(ctx, p.Name)
		if err != nil {
			return report, fmt.Errorf("failed data quality checks of %s: %w", p.Name, err)
		}
	}

	if err := r.stage(ctx, "exploitation", "", func() (err error) {
		report.Exploitation, err = r.exploiter.PublishAll(ctx)
		if report.Exploitation != nil {
			for _, t := range report.Exploitation.Tables {
				metrics.ExploitationRows.WithLabelValues(report.Exploitation.Target).Add(float64(t.Rows))
			}
		}
		return err
	}); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Refresher) load(names []string) ([]*config.Pipeline, error) {
	if len(names) == 0 {
		return r.pipelines.LoadAll()
	}
	out := make([]*config.Pipeline, 0, len(names))
	for _, n := range names {
		p, err := r.pipelines.Load(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Refresher) stage(ctx context.Context, stage, dataset string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	span := sentry.StartSpan(ctx, "zones.stage", sentry.WithDescription(strings.TrimSpace(stage+" "+dataset)))
	span.SetTag("stage", stage)
	if dataset != "" {
		span.SetTag("dataset", dataset)
	}
	defer span.Finish()

	r.log.Debug("refresh: stage started", "stage", stage, "dataset", dataset)
	err := fn()
	metrics.RecordStage(stage, err)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		if dataset == "" {
			return fmt.Errorf("%s failed: %w", stage, err)
		}
		return fmt.Errorf("%s failed for %s: %w", stage, dataset, err)
	}
	span.Status = sentry.SpanStatusOK
	return nil
}

func (r *Refresher) unify(ctx context.Context, p *config.Pipeline) (uuid.UUID, *unify.Result, error) {
	runID := uuid.New()
	started := r.cfg.Clock.Now()

	keep, err := unify.ParseKeepPolicy(p.Keep)
	if err != nil {
		return runID, nil, err
	}
	res, err := r.unifier.Unify(ctx, unify.Request{
		Dataset:      p.Name,
		SourceSchema: formatted.SchemaFor(p.Name),
		Target:       trustedTable(p.Name),
		Config:       unify.Config{Rename: p.Rename, Keys: p.Keys, Keep: keep},
		Replace:      true,
	})

	run := store.UnifyRun{
		RunID:      runID,
		Dataset:    p.Name,
		StartedAt:  started,
		FinishedAt: r.cfg.Clock.Now(),
		Status:     store.RunStatusSucceeded,
	}
	if res != nil {
		run.Snapshots = len(res.Plan.Inserts)
		run.RowsInserted = res.RowsInserted
		run.Definition = res.Plan.Table.String()
		metrics.UnifyRowsInserted.WithLabelValues(p.Name).Add(float64(res.RowsInserted))
	}
	if err != nil {
		run.Status = store.RunStatusFailed
		run.Error = err.Error()
		var ue *unify.UnifyError
		if errors.As(err, &ue) {
			run.Definition = ue.Definition
			run.Error = ue.Diagnostic()
		}
	}
	if r.cfg.Ledger != nil {
		if lerr := r.cfg.Ledger.RecordUnifyRun(ctx, run); lerr != nil {
			r.log.Warn("refresh: failed to record unify run", "dataset", p.Name, "error", lerr)
		}
	}
	return runID, res, err
}

// DeletePipeline removes a pipeline's configuration and every match rule that references it. Landed
// files and tables are left in place.
func (r *Refresher) DeletePipeline(name string) (int, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	if err := r.pipelines.Delete(name); err != nil {
		return 0, err
	}
	removed, err := r.registry.RemoveDataset(name)
	if err != nil {
		return 0, err
	}
	r.log.Info("refresh: deleted pipeline", "dataset", name, "rules_removed", removed)
	return removed, nil
}

// AddPipeline validates and stores a new pipeline configuration.
func (r *Refresher) AddPipeline(p *config.Pipeline) error {
	if _, err := r.pipelines.Load(p.Name); err == nil {
		return fmt.Errorf("pipeline %s already exists", p.Name)
	} else if !errors.Is(err, config.ErrPipelineNotFound) {
		return err
	}
	return r.pipelines.Save(p)
}

// AddMatch registers a rule after checking that both datasets are configured pipelines.
func (r *Refresher) AddMatch(rule registry.Rule) error {
	for _, side := range []registry.Side{rule.Left, rule.Right} {
		p, err := r.pipelines.Load(side.Dataset)
		if err != nil {
			return err
		}
		if !p.HasKey(side.Column) {
			return fmt.Errorf("column %s is not a key of pipeline %s", side.Column, side.Dataset)
		}
	}
	return r.registry.Add(rule)
}

func trustedTable(dataset string) store.QualifiedName {
	return store.QualifiedName{Schema: store.TrustedSchema, Name: dataset}
}

func (r *Refresher) Ready() bool {
	select {
	case <-r.readyCh:
		return true
	default:
		return false
	}
}

// Start fetches every pipeline now and then on each tick of the refresh interval.
func (r *Refresher) Start(ctx context.Context) {
	if r.cfg.RefreshInterval == 0 {
		r.readyOnce.Do(func() { close(r.readyCh) })
		return
	}
	go func() {
		r.log.Info("refresh: starting refresh loop", "interval", r.cfg.RefreshInterval)

		r.safeRefresh(ctx)

		ticker := r.cfg.Clock.NewTicker(r.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				r.safeRefresh(ctx)
			}
		}
	}()
}

func (r *Refresher) safeRefresh(ctx context.Context) {
	defer r.readyOnce.Do(func() { close(r.readyCh) })
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("refresh: refresh panicked", "panic", rec)
			metrics.RefreshTotal.WithLabelValues(ModeFetch, "panic").Inc()
		}
	}()

	if _, err := r.Fetch(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.log.Error("refresh: refresh failed", "error", err)
	}
}
