package zonestesting

import (
	"testing"

	"github.com/malbeclabs/zones/zones/pkg/clickhouse"
	chtesting "github.com/malbeclabs/zones/zones/pkg/clickhouse/testing"
	"github.com/stretchr/testify/require"
)

// ClickHouse is a migrated per-test ClickHouse database.
type ClickHouse struct {
	Client   clickhouse.Client
	Conn     clickhouse.Connection
	Database string
}

func NewClickHouse(t *testing.T, db *chtesting.DB) *ClickHouse {
	tdb := chtesting.NewTestDatabase(t, db)
	return &ClickHouse{
		Client:   tdb.Client,
		Conn:     tdb.Conn,
		Database: tdb.Name,
	}
}

// Count returns the row count of a table in the test database.
func (c *ClickHouse) Count(t *testing.T, table string) uint64 {
	t.Helper()
	rows, err := c.Conn.Query(t.Context(), "SELECT count() FROM "+clickhouse.QuoteName(c.Database, table))
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var n uint64
	require.NoError(t, rows.Scan(&n))
	return n
}
