package formatted

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	zonestesting "github.com/malbeclabs/zones/utils/pkg/testing"
	"github.com/malbeclabs/zones/zones/pkg/config"
	"github.com/malbeclabs/zones/zones/pkg/store"
	"github.com/stretchr/testify/require"
)

func writeLanded(t *testing.T, layout config.Layout, dataset, name, body string) {
	dir := layout.LandingPersistentDir(dataset)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func newTestLoader(t *testing.T, pg *zonestesting.Postgres) (*Loader, config.Layout) {
	layout := config.Layout{Root: t.TempDir()}
	l, err := New(Config{Logger: zonestesting.NewLogger(), Backend: pg.Backend, Layout: layout})
	require.NoError(t, err)
	return l, layout
}

func TestZones_Formatted_UniqueHeader(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		[]string{"id", "amount", "id.1", "column_3", "id.2", "amount.1"},
		uniqueHeader([]string{"id", " amount ", "id", "", "id", "amount"}))
}

func TestZones_Formatted_CSVReader(t *testing.T) {
	t.Parallel()

	src := "title line\n\ufeffid;amount;note\n1;10;-\n2;;x\n3\n"
	r, err := newCSVReader(strings.NewReader(src), config.ReadOptions{Sep: ";", SkipRows: 1, NAValues: []string{"-"}})
	require.NoError(t, err)
	require.Equal(t, []string{"id", "amount", "note"}, r.header)

	rows, err := r.next(2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "10", *rows[0][1])
	require.Nil(t, rows[0][2])
	require.Nil(t, rows[1][1])

	rows, err = r.next(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Nil(t, rows[0][1])

	rows, err = r.next(10)
	require.NoError(t, err)
	require.Empty(t, rows)

	_, err = newCSVReader(strings.NewReader(""), config.ReadOptions{})
	require.ErrorContains(t, err, "empty")

	r, err = newCSVReader(strings.NewReader("a,b\n1,2,3\n"), config.ReadOptions{})
	require.NoError(t, err)
	_, err = r.next(10)
	require.ErrorContains(t, err, "has 3 fields")
}

func TestZones_Formatted_Load(t *testing.T) {
	t.Parallel()

	t.Run("loads new files once with declared types", func(t *testing.T) {
		t.Parallel()

		pg := testPostgres(t)
		l, layout := newTestLoader(t, pg)
		p := &config.Pipeline{Name: "sales", Read: config.ReadOptions{Types: map[string]string{"id": "integer", "amount": "numeric(10,2)"}}}

		writeLanded(t, layout, "sales", "sales_2023_01_01.csv", "id,amount\n1,10.5\n2,20\n")
		res, err := l.Load(t.Context(), p)
		require.NoError(t, err)
		require.Equal(t, "formatted_sales", res.Schema)
		require.Equal(t, []string{"sales_2023_01_01"}, res.Loaded)

		writeLanded(t, layout, "sales", "sales_2023_02_01.csv", "id,amount,region\n2,25,north\n3,,south\n")
		res, err = l.Load(t.Context(), p)
		require.NoError(t, err)
		require.Equal(t, []string{"sales_2023_02_01"}, res.Loaded)

		tables, err := pg.Backend.Tables(t.Context(), "formatted_sales")
		require.NoError(t, err)
		require.Len(t, tables, 2)
		require.Equal(t, []store.Column{
			{Name: "id", Type: "integer"},
			{Name: "amount", Type: "numeric(10,2)"},
			{Name: "region", Type: "text"},
		}, tables[1].Columns)

		var nulls int
		require.NoError(t, pg.Pool.QueryRow(t.Context(), `SELECT count(*) FROM formatted_sales.sales_2023_02_01 WHERE amount IS NULL`).Scan(&nulls))
		require.Equal(t, 1, nulls)

		res, err = l.Load(t.Context(), p)
		require.NoError(t, err)
		require.Empty(t, res.Loaded)
	})

	t.Run("a bad value aborts that file only", func(t *testing.T) {
		t.Parallel()

		pg := testPostgres(t)
		l, layout := newTestLoader(t, pg)
		p := &config.Pipeline{Name: "sales", Read: config.ReadOptions{Types: map[string]string{"id": "integer"}}}

		writeLanded(t, layout, "sales", "sales_2023_01_01.csv", "id\n1\n")
		writeLanded(t, layout, "sales", "sales_2023_02_01.csv", "id\nabc\n")

		_, err := l.Load(t.Context(), p)
		require.Error(t, err)
		require.True(t, store.IsBackendError(err))

		tables, err := pg.Backend.Tables(t.Context(), "formatted_sales")
		require.NoError(t, err)
		require.Len(t, tables, 1)
		require.Equal(t, "sales_2023_01_01", tables[0].Name.Name)
	})

	t.Run("rejects unsafe type declarations", func(t *testing.T) {
		t.Parallel()

		pg := testPostgres(t)
		l, _ := newTestLoader(t, pg)
		_, err := l.Load(t.Context(), &config.Pipeline{Name: "sales", Read: config.ReadOptions{
			Types: map[string]string{"id": "integer); DROP TABLE x; --"},
		}})
		require.ErrorContains(t, err, "invalid type")
	})

	t.Run("nothing landed yet", func(t *testing.T) {
		t.Parallel()

		pg := testPostgres(t)
		l, _ := newTestLoader(t, pg)
		res, err := l.Load(t.Context(), &config.Pipeline{Name: "sales"})
		require.NoError(t, err)
		require.Empty(t, res.Loaded)
	})
}
