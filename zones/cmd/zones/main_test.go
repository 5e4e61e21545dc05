package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/malbeclabs/zones/zones/pkg/apply"
	"github.com/malbeclabs/zones/zones/pkg/exploitation"
	"github.com/malbeclabs/zones/zones/pkg/formatted"
	"github.com/malbeclabs/zones/zones/pkg/landing"
	"github.com/malbeclabs/zones/zones/pkg/match"
	"github.com/malbeclabs/zones/zones/pkg/quality"
	"github.com/malbeclabs/zones/zones/pkg/refresh"
	"github.com/malbeclabs/zones/zones/pkg/registry"
	"github.com/malbeclabs/zones/zones/pkg/store"
	"github.com/malbeclabs/zones/zones/pkg/unify"
	"github.com/stretchr/testify/require"
)

func TestZones_CLI_ReadPipeline(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(dir, "sales.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"URL": "https://example.com/sales.csv", "read": {"sep": ";"}, "rename": {"ID": "id"}, "keys": ["id"], "keep": "latest", "transformations": []}`), 0o644))

		p, err := readPipeline("sales", path)
		require.NoError(t, err)
		require.Equal(t, "sales", p.Name)
		require.Equal(t, ";", p.Read.Sep)
		require.Equal(t, []string{"id"}, p.Keys)
	})

	t.Run("missing from", func(t *testing.T) {
		t.Parallel()
		_, err := readPipeline("sales", "")
		require.ErrorContains(t, err, "--from is required")
	})

	t.Run("invalid name", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"URL": "https://example.com/x.csv", "keys": ["id"]}`), 0o644))
		_, err := readPipeline("9lives", path)
		require.ErrorContains(t, err, `invalid name "9lives"`)
	})

	t.Run("no keys", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(dir, "nokeys.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"URL": "https://example.com/x.csv"}`), 0o644))
		_, err := readPipeline("nokeys", path)
		require.ErrorContains(t, err, "at least one key is required")
	})
}

func TestZones_CLI_PrintReport(t *testing.T) {
	t.Parallel()

	rule := registry.Rule{
		Left:  registry.Side{Dataset: "census", Column: "state"},
		Right: registry.Side{Dataset: "states", Column: "name"},
	}
	report := &refresh.Report{
		Mode: refresh.ModeFetch,
		Pipelines: []*refresh.PipelineReport{{
			Dataset:   "census",
			Landed:    &landing.Result{Snapshot: "census_2025_01_15"},
			Formatted: &formatted.Result{Schema: "formatted_census", Loaded: []string{"census_2025_01_15"}},
			Unified:   &unify.Result{RowsInserted: 3},
			Cleaned:   []int64{2, 1},
			Quality: &quality.Report{Dataset: "census", Rules: []quality.RuleReport{{
				Rule:    rule,
				Updated: rule.Left,
				Apply:   &apply.Report{RowsUpdated: 2},
			}}},
		}},
		Exploitation: &exploitation.Report{Target: "postgres", Tables: []exploitation.TableResult{
			{Table: "total_population", Rows: 4},
			{Table: "broken", Err: errors.New("syntax error")},
		}},
	}

	var buf bytes.Buffer
	printReport(&buf, report)
	out := buf.String()
	require.Contains(t, out, "landing: landed census_2025_01_15")
	require.Contains(t, out, "formatted: 1 new snapshot(s)")
	require.Contains(t, out, "trusted: 3 row(s) inserted")
	require.Contains(t, out, "cleaning: 2 transformation(s), 3 row(s) affected")
	require.Contains(t, out, "quality: census:state,states:name updated 2 row(s) of census:state")
	require.Contains(t, out, "exploitation: total_population published to postgres (4 rows)")
	require.Contains(t, out, "exploitation: broken failed: syntax error")

	buf.Reset()
	printReport(&buf, nil)
	require.Empty(t, buf.String())
}

func TestZones_CLI_PrintPreview(t *testing.T) {
	t.Parallel()

	rule := registry.Rule{
		Left:  registry.Side{Dataset: "census", Column: "state"},
		Right: registry.Side{Dataset: "states", Column: "name"},
	}
	var buf bytes.Buffer
	printPreview(&buf, rule, rule.Left, &match.Result{
		Candidates: []match.Candidate{{Sample: "Californa", Canonical: "California", Distance: 1}},
		Unmatched:  []string{"Atlantis"},
	})
	out := buf.String()
	require.Contains(t, out, "would rewrite census:state")
	require.Contains(t, out, `"Californa" -> "California" (distance 1)`)
	require.Contains(t, out, "Unmatched: Atlantis")
}

func TestZones_CLI_DescribeTable(t *testing.T) {
	t.Parallel()
	got := describeTable(store.Table{
		Name:    store.QualifiedName{Schema: "trusted", Name: "sales"},
		Columns: []store.Column{{Name: "id", Type: "integer"}, {Name: "region", Type: "text"}},
	})
	require.Equal(t, "trusted.sales (id integer, region text)", got)
}

func TestZones_CLI_PrintLines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	printLines(&buf, nil, "No pipelines configured")
	require.Equal(t, "No pipelines configured\n", buf.String())

	buf.Reset()
	printLines(&buf, []string{"b", "a"}, "")
	require.Equal(t, "b\na\n", buf.String())
}
