package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/zones/utils/pkg/logger"
	"github.com/malbeclabs/zones/zones/pkg/clickhouse"
	"github.com/malbeclabs/zones/zones/pkg/config"
	"github.com/malbeclabs/zones/zones/pkg/metrics"
	"github.com/malbeclabs/zones/zones/pkg/refresh"
	"github.com/malbeclabs/zones/zones/pkg/registry"
	"github.com/malbeclabs/zones/zones/pkg/server"
	"github.com/malbeclabs/zones/zones/pkg/store/postgres"
)

// Set by LDFLAGS
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	rootFlag := flag.String("root", ".", "Directory holding dataset_info and the landing zone (or set ZONES_ROOT env var)")

	// PostgreSQL configuration
	pgHostFlag := flag.String("postgres-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("postgres-db", "zones", "PostgreSQL database (or set POSTGRES_DB env var)")
	pgUsernameFlag := flag.String("postgres-user", "zones", "PostgreSQL username (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("postgres-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// ClickHouse configuration, optional
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "Publish exploitation tables to ClickHouse at host:port (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Pipelines
	fetchFlag := flag.StringSlice("fetch", nil, "Fetch the named pipelines and carry them through every zone")
	fetchAllFlag := flag.Bool("fetch-all", false, "Fetch every configured pipeline")
	regenerateFlag := flag.Bool("regenerate", false, "Rebuild the trusted and exploitation zones from the formatted snapshots")
	overwriteFlag := flag.Bool("overwrite", false, "Replace a file already landed today")
	newPipelineFlag := flag.String("new-pipeline", "", "Create a pipeline from the JSON configuration given with --from")
	fromFlag := flag.String("from", "", "Pipeline configuration file for --new-pipeline")
	deletePipelineFlag := flag.String("delete-pipeline", "", "Delete a pipeline configuration and its match rules")
	listPipelinesFlag := flag.Bool("list-pipelines", false, "List configured pipelines")

	// Data quality
	addMatchFlag := flag.String("add-match", "", "Register a match rule: left_dataset:column,right_dataset:column")
	listMatchesFlag := flag.Bool("list-matches", false, "List registered match rules")
	previewMatchFlag := flag.String("preview-match", "", "Show the rewrites a match rule would make without applying them")
	matchThresholdFlag := flag.Int("match-threshold", 0, "Maximum edit distance for a match candidate (0 = default)")

	// Exploitation zone
	addTableFlag := flag.String("add-table", "", "Define an exploitation table from the query given with --sql")
	updateTableFlag := flag.String("update-table", "", "Replace the query of an exploitation table")
	deleteTablesFlag := flag.StringSlice("delete-table", nil, "Delete exploitation table definitions")
	sqlFlag := flag.String("sql", "", "SELECT over the trusted zone for --add-table and --update-table")
	viewFlag := flag.String("view", "", "List the tables of a zone: formatted, trusted or exploitation")

	// Server
	serveFlag := flag.Bool("serve", false, "Run the HTTP API, refreshing every pipeline on --refresh-interval")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address")
	refreshIntervalFlag := flag.Duration("refresh-interval", 0, "Interval between scheduled fetches when serving (0 = disabled)")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS origins allowed on the API")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if env := os.Getenv("ZONES_ROOT"); env != "" {
		*rootFlag = env
	}
	layout := config.Layout{Root: *rootFlag}
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	// Commands that only touch the configuration files.
	out := os.Stdout
	switch {
	case *newPipelineFlag != "":
		p, err := readPipeline(*newPipelineFlag, *fromFlag)
		if err != nil {
			return err
		}
		pipelines := config.NewPipelines(layout)
		if _, err := pipelines.Load(p.Name); err == nil {
			return fmt.Errorf("pipeline %s already exists", p.Name)
		} else if !errors.Is(err, config.ErrPipelineNotFound) {
			return err
		}
		if err := pipelines.Save(p); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created pipeline %s\n", p.Name)
		return nil

	case *listPipelinesFlag:
		names, err := config.NewPipelines(layout).Names()
		if err != nil {
			return err
		}
		printLines(out, names, "No pipelines configured")
		return nil

	case *addTableFlag != "":
		if err := config.NewTables(layout).Add(*addTableFlag, *sqlFlag); err != nil {
			return err
		}
		fmt.Fprintf(out, "Added exploitation table %s\n", *addTableFlag)
		return nil

	case *updateTableFlag != "":
		if err := config.NewTables(layout).Update(*updateTableFlag, *sqlFlag); err != nil {
			return err
		}
		fmt.Fprintf(out, "Updated exploitation table %s\n", *updateTableFlag)
		return nil

	case len(*deleteTablesFlag) > 0:
		if err := config.NewTables(layout).Delete(*deleteTablesFlag...); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %d exploitation table(s)\n", len(*deleteTablesFlag))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgCfg := postgres.LoadPgConfigFromEnv(postgres.PgConfig{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	})
	if err := pgCfg.Validate(); err != nil {
		return err
	}
	connStr := pgCfg.ConnString()
	if err := postgres.Up(ctx, log, connStr); err != nil {
		return fmt.Errorf("failed to run postgres migrations: %w", err)
	}
	pool, err := postgres.NewPool(ctx, log, connStr)
	if err != nil {
		return err
	}
	defer pool.Close()

	backend, err := postgres.NewBackend(postgres.BackendConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}
	ledger, err := postgres.NewLedger(log, pool)
	if err != nil {
		return err
	}

	refreshCfg := refresh.Config{
		Logger:          log,
		Layout:          layout,
		Backend:         backend,
		Ledger:          ledger,
		Overwrite:       *overwriteFlag,
		MatchThreshold:  *matchThresholdFlag,
		RefreshInterval: *refreshIntervalFlag,
	}

	chCfg := clickhouse.LoadConfigFromEnv(clickhouse.Config{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	})
	if chCfg.Addr != "" {
		if err := clickhouse.Up(ctx, log, chCfg); err != nil {
			return fmt.Errorf("failed to run clickhouse migrations: %w", err)
		}
		chClient, err := clickhouse.NewClient(ctx, log, chCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		defer chClient.Close()
		refreshCfg.ClickHouse = chClient
		refreshCfg.ClickHouseDatabase = chCfg.Database
	}

	refresher, err := refresh.New(refreshCfg)
	if err != nil {
		return err
	}

	switch {
	case len(*fetchFlag) > 0 || *fetchAllFlag:
		var names []string
		if !*fetchAllFlag {
			names = *fetchFlag
		}
		report, err := refresher.Fetch(ctx, names...)
		printReport(out, report)
		return err

	case *regenerateFlag:
		report, err := refresher.Regenerate(ctx)
		printReport(out, report)
		return err

	case *deletePipelineFlag != "":
		removed, err := refresher.DeletePipeline(*deletePipelineFlag)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted pipeline %s and %d match rule(s)\n", *deletePipelineFlag, removed)
		return nil

	case *addMatchFlag != "":
		rule, err := registry.ParseRule(*addMatchFlag)
		if err != nil {
			return err
		}
		if err := refresher.AddMatch(rule); err != nil {
			return err
		}
		fmt.Fprintf(out, "Added match rule %s\n", rule)
		return nil

	case *listMatchesFlag:
		rules, err := refresher.Registry().List()
		if err != nil {
			return err
		}
		lines := make([]string, len(rules))
		for i, r := range rules {
			lines[i] = r.String()
		}
		printLines(out, lines, "No match rules registered")
		return nil

	case *previewMatchFlag != "":
		rule, err := registry.ParseRule(*previewMatchFlag)
		if err != nil {
			return err
		}
		result, updated, err := refresher.Checker().Preview(ctx, rule)
		if err != nil {
			return err
		}
		printPreview(out, rule, updated, result)
		return nil

	case *viewFlag != "":
		tables, err := zoneTables(ctx, refresher, backend, *viewFlag)
		if err != nil {
			return err
		}
		printLines(out, tables, "No tables in the "+*viewFlag+" zone")
		return nil

	case *serveFlag:
		return serve(ctx, log, refresher, ledger, *listenAddrFlag, *allowedOriginsFlag)

	default:
		flag.Usage()
		return nil
	}
}

func serve(ctx context.Context, log *slog.Logger, refresher *refresh.Refresher, ledger *postgres.Ledger, addr string, origins []string) error {
	info := server.VersionInfo{Version: version, Commit: commit, Date: date}
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.Date).Set(1)

	srv, err := server.New(log, server.Config{
		ListenAddr:     addr,
		VersionInfo:    info,
		Refresher:      refresher,
		Ledger:         ledger,
		AllowedOrigins: origins,
	})
	if err != nil {
		return err
	}
	log.Info("zones: serving", "addr", addr, "version", version, "commit", commit)
	return srv.Run(ctx)
}

// readPipeline decodes a pipeline configuration file and names it.
func readPipeline(name, path string) (*config.Pipeline, error) {
	if path == "" {
		return nil, errors.New("--from is required for --new-pipeline")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline configuration: %w", err)
	}
	var p config.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline configuration %s: %w", path, err)
	}
	p.Name = name
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func printLines(w io.Writer, lines []string, empty string) {
	if len(lines) == 0 {
		fmt.Fprintln(w, empty)
		return
	}
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
