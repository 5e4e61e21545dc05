package apply

import (
	"testing"

	zonestesting "github.com/malbeclabs/zones/utils/pkg/testing"
	"github.com/malbeclabs/zones/zones/pkg/match"
	"github.com/malbeclabs/zones/zones/pkg/store"
	"github.com/stretchr/testify/require"
)

var states = store.QualifiedName{Schema: "trusted", Name: "census"}

func newTestApplicator(t *testing.T, pg *zonestesting.Postgres) *Applicator {
	a, err := New(Config{Logger: zonestesting.NewLogger(), Backend: pg.Backend})
	require.NoError(t, err)
	return a
}

func countWhere(t *testing.T, pg *zonestesting.Postgres, state string) int {
	var n int
	require.NoError(t, pg.Pool.QueryRow(t.Context(), `SELECT count(*) FROM trusted.census WHERE state = $1`, state).Scan(&n))
	return n
}

func TestZones_Apply_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: zonestesting.NewLogger()})
	require.ErrorContains(t, err, "backend is required")
}

func TestZones_Apply_Apply(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) *zonestesting.Postgres {
		pg := testPostgres(t)
		pg.Exec(t, `CREATE SCHEMA trusted`)
		pg.Exec(t, `CREATE TABLE trusted.census (state text, year integer, population bigint, PRIMARY KEY (state, year))`)
		pg.Exec(t, `INSERT INTO trusted.census VALUES
			('New York', 2020, 1), ('New York', 2021, 2),
			('california', 2020, 3),
			('Texas', 2020, 4)`)
		return pg
	}

	t.Run("rewrites every matching row", func(t *testing.T) {
		t.Parallel()

		pg := setup(t)
		a := newTestApplicator(t, pg)

		report, err := a.Apply(t.Context(), states, "state", []match.Candidate{
			{Sample: "New York", Canonical: "new york", Distance: 2},
			{Sample: "california", Canonical: "California ", Distance: 2},
		})
		require.NoError(t, err)
		require.Equal(t, 2, report.Applied)
		require.Equal(t, int64(3), report.RowsUpdated)
		require.Empty(t, report.Failures)
		require.Equal(t, 2, countWhere(t, pg, "new york"))
		require.Equal(t, 1, countWhere(t, pg, "California "))
		require.Equal(t, 1, countWhere(t, pg, "Texas"))
	})

	t.Run("reapplying is a no-op", func(t *testing.T) {
		t.Parallel()

		pg := setup(t)
		a := newTestApplicator(t, pg)
		candidates := []match.Candidate{{Sample: "New York", Canonical: "new york", Distance: 2}}

		_, err := a.Apply(t.Context(), states, "state", candidates)
		require.NoError(t, err)
		report, err := a.Apply(t.Context(), states, "state", candidates)
		require.NoError(t, err)
		require.Equal(t, int64(0), report.RowsUpdated)
		require.Equal(t, 2, countWhere(t, pg, "new york"))
	})

	t.Run("values are bound, not interpolated", func(t *testing.T) {
		t.Parallel()

		pg := setup(t)
		a := newTestApplicator(t, pg)
		evil := `Texas'; DROP TABLE trusted.census; --`

		report, err := a.Apply(t.Context(), states, "state", []match.Candidate{{Sample: "Texas", Canonical: evil, Distance: 9}})
		require.NoError(t, err)
		require.Equal(t, int64(1), report.RowsUpdated)
		require.Equal(t, 1, countWhere(t, pg, evil))
	})

	t.Run("a rejected candidate does not block the others", func(t *testing.T) {
		t.Parallel()

		pg := setup(t)
		pg.Exec(t, `INSERT INTO trusted.census VALUES ('Texas ', 2020, 5)`)
		a := newTestApplicator(t, pg)

		report, err := a.Apply(t.Context(), states, "state", []match.Candidate{
			{Sample: "Texas ", Canonical: "Texas", Distance: 1},
			{Sample: "california", Canonical: "California", Distance: 1},
		})
		require.NoError(t, err)
		require.Equal(t, 1, report.Applied)
		require.Len(t, report.Failures, 1)
		require.Equal(t, "Texas ", report.Failures[0].Candidate.Sample)
		require.True(t, store.IsBackendError(report.Failures[0].Err))
		require.Equal(t, 1, countWhere(t, pg, "California"))
		require.Equal(t, 1, countWhere(t, pg, "Texas "))
	})

	t.Run("identity candidates are skipped", func(t *testing.T) {
		t.Parallel()

		pg := setup(t)
		a := newTestApplicator(t, pg)

		report, err := a.Apply(t.Context(), states, "state", []match.Candidate{{Sample: "Texas", Canonical: "Texas"}})
		require.NoError(t, err)
		require.Equal(t, 1, report.Skipped)
		require.Equal(t, 0, report.Applied)
	})

	t.Run("non-text key columns compare on their text form", func(t *testing.T) {
		t.Parallel()

		pg := setup(t)
		a := newTestApplicator(t, pg)

		report, err := a.Apply(t.Context(), states, "year", []match.Candidate{{Sample: "2021", Canonical: "2022", Distance: 1}})
		require.NoError(t, err)
		require.Equal(t, int64(1), report.RowsUpdated)

		var n int
		require.NoError(t, pg.Pool.QueryRow(t.Context(), `SELECT count(*) FROM trusted.census WHERE year = 2022`).Scan(&n))
		require.Equal(t, 1, n)
	})
}
