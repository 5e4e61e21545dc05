package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	zonestesting "github.com/malbeclabs/zones/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	path := filepath.Join(t.TempDir(), "trusted", "data_quality.json")
	r, err := New(Config{Logger: zonestesting.NewLogger(), Path: path})
	require.NoError(t, err)
	return r, path
}

func TestZones_Registry_Rule(t *testing.T) {
	t.Parallel()

	t.Run("json keeps entry order", func(t *testing.T) {
		t.Parallel()

		var r Rule
		require.NoError(t, json.Unmarshal([]byte(`{"zeta": "state", "alpha": "name"}`), &r))
		require.Equal(t, Rule{Left: Side{"zeta", "state"}, Right: Side{"alpha", "name"}}, r)

		data, err := json.Marshal(r)
		require.NoError(t, err)
		require.JSONEq(t, `{"zeta":"state","alpha":"name"}`, string(data))
		require.Equal(t, `{"zeta":"state","alpha":"name"}`, string(data))
	})

	t.Run("rejects objects without exactly two entries", func(t *testing.T) {
		t.Parallel()

		var r Rule
		require.Error(t, json.Unmarshal([]byte(`{"a": "x"}`), &r))
		require.Error(t, json.Unmarshal([]byte(`{"a": "x", "b": "y", "c": "z"}`), &r))
		require.Error(t, json.Unmarshal([]byte(`["a", "b"]`), &r))
		require.Error(t, json.Unmarshal([]byte(`{"a": 1, "b": "y"}`), &r))
	})

	t.Run("parse", func(t *testing.T) {
		t.Parallel()

		r, err := ParseRule("census:state, gdp:region")
		require.NoError(t, err)
		require.Equal(t, Rule{Left: Side{"census", "state"}, Right: Side{"gdp", "region"}}, r)
		require.Equal(t, "census:state,gdp:region", r.String())

		for _, bad := range []string{"", "census:state", "census,gdp:region", "census:state,census:name", "a:,b:c"} {
			_, err := ParseRule(bad)
			require.Error(t, err, bad)
		}
	})
}

func TestZones_Registry_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: zonestesting.NewLogger()})
	require.ErrorContains(t, err, "path is required")
}

func TestZones_Registry_Operations(t *testing.T) {
	t.Parallel()

	censusGDP := Rule{Left: Side{"census", "state"}, Right: Side{"gdp", "region"}}
	censusVotes := Rule{Left: Side{"votes", "state_name"}, Right: Side{"census", "state"}}
	gdpVotes := Rule{Left: Side{"gdp", "region"}, Right: Side{"votes", "state_name"}}

	t.Run("missing file is empty", func(t *testing.T) {
		t.Parallel()

		r, _ := newTestRegistry(t)
		rules, err := r.List()
		require.NoError(t, err)
		require.Empty(t, rules)
	})

	t.Run("add persists in order", func(t *testing.T) {
		t.Parallel()

		r, path := newTestRegistry(t)
		require.NoError(t, r.Add(censusGDP))
		require.NoError(t, r.Add(censusVotes))

		rules, err := r.List()
		require.NoError(t, err)
		require.Equal(t, []Rule{censusGDP, censusVotes}, rules)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.JSONEq(t, `[{"census":"state","gdp":"region"},{"votes":"state_name","census":"state"}]`, string(data))
	})

	t.Run("duplicates are rejected in either orientation", func(t *testing.T) {
		t.Parallel()

		r, _ := newTestRegistry(t)
		require.NoError(t, r.Add(censusGDP))
		require.ErrorIs(t, r.Add(censusGDP), ErrDuplicateRule)
		require.ErrorIs(t, r.Add(Rule{Left: censusGDP.Right, Right: censusGDP.Left}), ErrDuplicateRule)
	})

	t.Run("same dataset on both sides is rejected", func(t *testing.T) {
		t.Parallel()

		r, _ := newTestRegistry(t)
		require.Error(t, r.Add(Rule{Left: Side{"a", "x"}, Right: Side{"a", "y"}}))
	})

	t.Run("rules for and remove dataset", func(t *testing.T) {
		t.Parallel()

		r, _ := newTestRegistry(t)
		for _, rule := range []Rule{censusGDP, censusVotes, gdpVotes} {
			require.NoError(t, r.Add(rule))
		}

		forCensus, err := r.RulesFor("census")
		require.NoError(t, err)
		require.Equal(t, []Rule{censusGDP, censusVotes}, forCensus)

		removed, err := r.RemoveDataset("census")
		require.NoError(t, err)
		require.Equal(t, 2, removed)

		rules, err := r.List()
		require.NoError(t, err)
		require.Equal(t, []Rule{gdpVotes}, rules)

		removed, err = r.RemoveDataset("census")
		require.NoError(t, err)
		require.Zero(t, removed)
	})

	t.Run("reads files written by hand", func(t *testing.T) {
		t.Parallel()

		r, path := newTestRegistry(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(`[{"gdp": "region", "census": "state"}]`), 0o644))

		rules, err := r.List()
		require.NoError(t, err)
		require.Equal(t, []Rule{{Left: Side{"gdp", "region"}, Right: Side{"census", "state"}}}, rules)
	})
}
