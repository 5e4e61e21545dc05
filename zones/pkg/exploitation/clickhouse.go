package exploitation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/zones/zones/pkg/clickhouse"
	"github.com/malbeclabs/zones/zones/pkg/store"
)

const defaultBatchSize = 10_000

// Source streams the result of a query run against one backend schema.
type Source interface {
	Stream(ctx context.Context, schema, query string, onColumns func([]store.Column) error, onRow func([]any) error) error
}

type ClickHouseConfig struct {
	Logger    *slog.Logger
	Source    Source
	Client    clickhouse.Client
	Database  string
	BatchSize int
	Clock     clockwork.Clock
}

func (cfg *ClickHouseConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Client == nil {
		return errors.New("clickhouse client is required")
	}
	if cfg.Database == "" {
		cfg.Database = clickhouse.DefaultDatabase
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ClickHousePublisher copies query results out of the trusted zone into MergeTree tables. A table is
// built under a staging name and swapped in with EXCHANGE TABLES, so readers never see a partial load.
type ClickHousePublisher struct {
	log *slog.Logger
	cfg ClickHouseConfig
}

func NewClickHousePublisher(cfg ClickHouseConfig) (*ClickHousePublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClickHousePublisher{log: cfg.Logger, cfg: cfg}, nil
}

func (p *ClickHousePublisher) Target() string {
	return "clickhouse"
}

func (p *ClickHousePublisher) Publish(ctx context.Context, table, query string) (int64, error) {
	start := p.cfg.Clock.Now()
	conn, err := p.cfg.Client.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	db := p.cfg.Database
	staging := table + "__staging"
	insertCtx := clickhouse.ContextWithSyncInsert(ctx)

	var (
		columns []Column
		batch   driver.Batch
		pending int
		rows    int64
	)
	prepare := func() error {
		var err error
		batch, err = conn.PrepareBatch(insertCtx, "INSERT INTO "+clickhouse.QuoteName(db, staging))
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		pending = 0
		return nil
	}
	send := func() error {
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		return nil
	}

	err = p.cfg.Source.Stream(ctx, store.TrustedSchema, query,
		func(cols []store.Column) error {
			columns = clickHouseColumns(cols)
			if err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+clickhouse.QuoteName(db, staging)); err != nil {
				return fmt.Errorf("failed to drop staging table: %w", err)
			}
			if err := conn.Exec(ctx, CreateTableStatement(db, staging, columns)); err != nil {
				return fmt.Errorf("failed to create staging table: %w", err)
			}
			return prepare()
		},
		func(values []any) error {
			row := make([]any, len(values))
			for i, v := range values {
				cv, err := columns[i].convert(v)
				if err != nil {
					return fmt.Errorf("column %s: %w", columns[i].Name, err)
				}
				row[i] = cv
			}
			if err := batch.Append(row...); err != nil {
				return fmt.Errorf("failed to append row: %w", err)
			}
			rows++
			pending++
			if pending < p.cfg.BatchSize {
				return nil
			}
			if err := send(); err != nil {
				return err
			}
			return prepare()
		},
	)
	if err == nil && batch != nil {
		err = send()
	}
	if err != nil {
		if batch != nil {
			_ = batch.Abort()
		}
		_ = conn.Exec(ctx, "DROP TABLE IF EXISTS "+clickhouse.QuoteName(db, staging))
		return 0, err
	}

	target := clickhouse.QuoteName(db, table)
	stagingName := clickhouse.QuoteName(db, staging)
	for _, stmt := range []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS %s", target, stagingName),
		fmt.Sprintf("EXCHANGE TABLES %s AND %s", stagingName, target),
		"DROP TABLE IF EXISTS " + stagingName,
	} {
		if err := conn.Exec(ctx, stmt); err != nil {
			return 0, fmt.Errorf("failed to swap in %s: %w", table, err)
		}
	}

	elapsed := p.cfg.Clock.Since(start)
	if err := conn.Exec(ctx,
		"INSERT INTO "+clickhouse.QuoteName(db, "zones_publications")+" (published_at, table_name, source_query, rows, duration_ms) VALUES (?, ?, ?, ?, ?)",
		start.UTC(), table, query, uint64(rows), uint64(elapsed/time.Millisecond),
	); err != nil {
		p.log.Warn("exploitation: failed to record publication", "table", table, "error", err)
	}
	return rows, nil
}

// CreateTableStatement renders a MergeTree table with every column nullable.
func CreateTableStatement(database, table string, columns []Column) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = fmt.Sprintf("`%s` Nullable(%s)", strings.ReplaceAll(c.Name, "`", "``"), c.Type)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s) ENGINE = MergeTree ORDER BY tuple()",
		clickhouse.QuoteName(database, table), strings.Join(defs, ", "))
}
