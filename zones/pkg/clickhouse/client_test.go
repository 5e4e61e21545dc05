package clickhouse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZones_ClickHouse_Config(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := Config{Addr: "localhost:9000"}
		require.NoError(t, cfg.Validate())
		require.Equal(t, DefaultDatabase, cfg.Database)
		require.Equal(t, "default", cfg.Username)
	})

	t.Run("addr required", func(t *testing.T) {
		cfg := Config{}
		require.ErrorContains(t, cfg.Validate(), "addr is required")
	})

	t.Run("environment overrides flags", func(t *testing.T) {
		t.Setenv("CLICKHOUSE_ADDR_TCP", "ch:9440")
		t.Setenv("CLICKHOUSE_DATABASE", "zones")
		t.Setenv("CLICKHOUSE_SECURE", "true")

		cfg := LoadConfigFromEnv(Config{Addr: "localhost:9000", Username: "reader"})
		require.Equal(t, Config{Addr: "ch:9440", Database: "zones", Username: "reader", Secure: true}, cfg)
	})
}

func TestZones_ClickHouse_QuoteName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "`zones`.`total_population`", QuoteName("zones", "total_population"))
	require.Equal(t, "`odd``name`", QuoteName("", "odd`name"))
}
