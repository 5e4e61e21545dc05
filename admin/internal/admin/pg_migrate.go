package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/zones/zones/pkg/clickhouse"
	"github.com/malbeclabs/zones/zones/pkg/store/postgres"
)

type MigrateDirection string

const (
	MigrateUp     MigrateDirection = "up"
	MigrateDown   MigrateDirection = "down"
	MigrateStatus MigrateDirection = "status"
)

// PgMigrate applies, rolls back or reports the run ledger migrations.
func PgMigrate(ctx context.Context, log *slog.Logger, cfg postgres.PgConfig, direction MigrateDirection) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	connStr := cfg.ConnString()
	switch direction {
	case MigrateUp:
		return postgres.Up(ctx, log, connStr)
	case MigrateDown:
		return postgres.Down(ctx, log, connStr)
	case MigrateStatus:
		return postgres.Status(ctx, log, connStr)
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
}

// ClickHouseMigrate creates the exploitation database if needed and applies its migrations.
func ClickHouseMigrate(ctx context.Context, log *slog.Logger, cfg clickhouse.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	admin, err := clickhouse.NewClient(ctx, log, clickhouse.Config{
		Addr:     cfg.Addr,
		Database: clickhouse.DefaultDatabase,
		Username: cfg.Username,
		Password: cfg.Password,
		Secure:   cfg.Secure,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer admin.Close()

	conn, err := admin.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := clickhouse.CreateDatabase(ctx, log, conn, cfg.Database); err != nil {
		return fmt.Errorf("failed to create database %s: %w", cfg.Database, err)
	}
	return clickhouse.Up(ctx, log, cfg)
}
