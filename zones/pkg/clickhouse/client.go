package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const DefaultDatabase = "default"

// ContextWithSyncInsert returns a context whose inserts are visible to the next read.
func ContextWithSyncInsert(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":          0,
		"wait_for_async_insert": 1,
		"insert_deduplicate":    0,
	}))
}

// Config describes how to reach ClickHouse.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

func (cfg *Config) Validate() error {
	if cfg.Addr == "" {
		return fmt.Errorf("clickhouse addr is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	return nil
}

// Client is a ClickHouse connection pool.
type Client interface {
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

type Connection interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
	Close() error
}

type client struct {
	log  *slog.Logger
	conn driver.Conn
}

// connection logs statements at debug level with their duration. It shares the client's pool, so
// closing it is a no-op.
type connection struct {
	log  *slog.Logger
	conn driver.Conn
}

func NewClient(ctx context.Context, log *slog.Logger, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		// exploitation queries can scan whole trusted tables
		Settings: clickhouse.Settings{
			"max_execution_time": 300,
		},
		DialTimeout:     5 * time.Second,
		ConnMaxLifetime: time.Hour,
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse at %s: %w", cfg.Addr, err)
	}

	log.Info("clickhouse: client initialized", "addr", cfg.Addr, "database", cfg.Database, "secure", cfg.Secure)
	return &client{log: log, conn: conn}, nil
}

func (c *client) Conn(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &connection{log: c.log, conn: c.conn}, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

func (c *connection) Exec(ctx context.Context, query string, args ...any) error {
	start := time.Now()
	err := c.conn.Exec(ctx, query, args...)
	c.log.Debug("clickhouse: exec", "query", query, "duration", time.Since(start).String(), "error", err)
	return err
}

func (c *connection) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	start := time.Now()
	rows, err := c.conn.Query(ctx, query, args...)
	c.log.Debug("clickhouse: query", "query", query, "duration", time.Since(start).String(), "error", err)
	return rows, err
}

func (c *connection) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	c.log.Debug("clickhouse: prepare batch", "query", query)
	return c.conn.PrepareBatch(ctx, query)
}

func (c *connection) Close() error {
	return nil
}

// LoadConfigFromEnv overrides fields of cfg with the CLICKHOUSE_* environment variables that are set.
func LoadConfigFromEnv(cfg Config) Config {
	if v := os.Getenv("CLICKHOUSE_ADDR_TCP"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		cfg.Secure = true
	}
	return cfg
}
