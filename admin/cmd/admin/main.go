package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/zones/admin/internal/admin"
	"github.com/malbeclabs/zones/utils/pkg/logger"
	"github.com/malbeclabs/zones/zones/pkg/clickhouse"
	"github.com/malbeclabs/zones/zones/pkg/store/postgres"
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

	// PostgreSQL configuration
	pgHostFlag := flag.String("postgres-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("postgres-db", "zones", "PostgreSQL database (or set POSTGRES_DB env var)")
	pgUsernameFlag := flag.String("postgres-user", "zones", "PostgreSQL username (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("postgres-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Commands
	migrateFlag := flag.String("migrate", "", "Run ledger migrations against PostgreSQL: up, down or status")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Create the ClickHouse exploitation database and run its migrations")
	resetZoneFlag := flag.String("reset-zone", "", "Drop every table of a zone: formatted, trusted or exploitation")
	resetClickHouseFlag := flag.Bool("reset-clickhouse", false, "Drop every published exploitation table from ClickHouse")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	log := logger.New(*verboseFlag)

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
	chCfg := clickhouse.LoadConfigFromEnv(clickhouse.Config{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	})
	resetOpts := admin.ResetOptions{
		DryRun:      *dryRunFlag,
		SkipConfirm: *yesFlag,
		In:          os.Stdin,
		Out:         os.Stdout,
	}

	switch {
	case *migrateFlag != "":
		return admin.PgMigrate(ctx, log, pgCfg, admin.MigrateDirection(*migrateFlag))

	case *clickhouseMigrateFlag:
		if chCfg.Addr == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return admin.ClickHouseMigrate(ctx, log, chCfg)

	case *resetZoneFlag != "":
		if err := pgCfg.Validate(); err != nil {
			return err
		}
		pool, err := postgres.NewPool(ctx, log, pgCfg.ConnString())
		if err != nil {
			return err
		}
		defer pool.Close()
		return admin.ResetZone(ctx, log, pool, *resetZoneFlag, resetOpts)

	case *resetClickHouseFlag:
		if chCfg.Addr == "" {
			return fmt.Errorf("--clickhouse-addr is required for --reset-clickhouse")
		}
		client, err := clickhouse.NewClient(ctx, log, chCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		defer client.Close()
		conn, err := client.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to get connection: %w", err)
		}
		defer conn.Close()
		return admin.ResetClickHouse(ctx, log, conn, chCfg.Database, resetOpts)

	default:
		flag.Usage()
		return nil
	}
}
