package zonestesting

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/zones/zones/pkg/store/postgres"
	pgtesting "github.com/malbeclabs/zones/zones/pkg/store/postgres/testing"
	"github.com/stretchr/testify/require"
)

// Postgres bundles a per-test database with the backend and ledger built on it.
type Postgres struct {
	Pool    *pgxpool.Pool
	ConnStr string
	Backend *postgres.Backend
	Ledger  *postgres.Ledger
}

func NewPostgres(t *testing.T, db *pgtesting.DB) *Postgres {
	tdb := pgtesting.NewTestDatabase(t, db)
	log := NewLogger()

	backend, err := postgres.NewBackend(postgres.BackendConfig{Logger: log, Pool: tdb.Pool})
	require.NoError(t, err)

	ledger, err := postgres.NewLedger(log, tdb.Pool)
	require.NoError(t, err)

	return &Postgres{
		Pool:    tdb.Pool,
		ConnStr: tdb.ConnStr,
		Backend: backend,
		Ledger:  ledger,
	}
}

// Exec runs a setup statement against the test database.
func (p *Postgres) Exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := p.Pool.Exec(t.Context(), query, args...)
	require.NoError(t, err)
}
