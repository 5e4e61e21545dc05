package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	zonestesting "github.com/malbeclabs/zones/utils/pkg/testing"
	"github.com/malbeclabs/zones/zones/pkg/config"
	"github.com/malbeclabs/zones/zones/pkg/refresh"
	"github.com/malbeclabs/zones/zones/pkg/registry"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestServer(t *testing.T, mutate func(cfg *Config)) (*Server, *refresh.Refresher) {
	t.Helper()
	pg := testPostgres(t)
	log := zonestesting.NewLogger()
	r, err := refresh.New(refresh.Config{
		Logger:  log,
		Layout:  config.Layout{Root: t.TempDir()},
		Backend: pg.Backend,
		Ledger:  pg.Ledger,
	})
	require.NoError(t, err)

	cfg := Config{
		ListenAddr:  "127.0.0.1:0",
		VersionInfo: VersionInfo{Version: "1.2.3", Commit: "abc", Date: "2024-01-01"},
		Refresher:   r,
		Ledger:      pg.Ledger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(log, cfg)
	require.NoError(t, err)
	return s, r
}

func do(t *testing.T, s *Server, method, target string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestZones_Server_New(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(zonestesting.NewLogger(), Config{})
	require.ErrorContains(t, err, "listen addr is required")

	_, err = New(zonestesting.NewLogger(), Config{ListenAddr: ":0"})
	require.ErrorContains(t, err, "refresher is required")
}

func TestZones_Server_Probes(t *testing.T) {
	t.Parallel()

	s, r := newTestServer(t, nil)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/readyz").Code)

	r.Start(t.Context())
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/readyz").Code)

	rec := do(t, s, http.MethodGet, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var v VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.Equal(t, "1.2.3", v.Version)

	rec = do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "zones_http_requests_total")
}

func TestZones_Server_API(t *testing.T) {
	t.Parallel()

	t.Run("pipelines and matches", func(t *testing.T) {
		t.Parallel()

		s, r := newTestServer(t, nil)
		for _, name := range []string{"census", "states"} {
			require.NoError(t, r.AddPipeline(&config.Pipeline{Name: name, URL: "https://example.com/" + name + ".csv", Keys: []string{"id"}}))
		}
		rule, err := registry.ParseRule("census:id,states:id")
		require.NoError(t, err)
		require.NoError(t, r.AddMatch(rule))

		rec := do(t, s, http.MethodGet, "/api/pipelines")
		require.Equal(t, http.StatusOK, rec.Code)
		var pipelines []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pipelines))
		require.Len(t, pipelines, 2)
		require.Equal(t, "census", pipelines[0]["name"])
		require.Equal(t, "https://example.com/census.csv", pipelines[0]["URL"])

		require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/pipelines/states").Code)
		require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/pipelines/nope").Code)
		require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/pipelines/bad-name").Code)

		rec = do(t, s, http.MethodGet, "/api/matches")
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `[{"census": "id", "states": "id"}]`, rec.Body.String())

		rec = do(t, s, http.MethodGet, "/api/tables")
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{}`, rec.Body.String())
	})

	t.Run("run history", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t, nil)
		rec := do(t, s, http.MethodGet, "/api/runs/unify?dataset=sales&limit=5")
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `[]`, rec.Body.String())
		require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/runs/match?limit=-1").Code)

		noLedger, _ := newTestServer(t, func(cfg *Config) { cfg.Ledger = nil })
		require.Equal(t, http.StatusNotFound, do(t, noLedger, http.MethodGet, "/api/runs/match").Code)
	})

	t.Run("refresh of an unknown pipeline", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t, nil)
		rec := do(t, s, http.MethodPost, "/api/refresh?pipeline=nope")
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Contains(t, rec.Body.String(), "pipeline not found")

		rec = do(t, s, http.MethodPost, "/api/refresh")
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"mode": "fetch", "pipelines": []}`, rec.Body.String())
	})

	t.Run("cors allows localhost origins", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t, nil)
		rec := do(t, s, http.MethodOptions, "/api/pipelines",
			"Origin", "http://localhost:5173",
			"Access-Control-Request-Method", http.MethodGet)
		require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

		rec = do(t, s, http.MethodGet, "/api/pipelines", "Origin", "https://evil.example.com")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("rate limited per client", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServer(t, func(cfg *Config) {
			cfg.RequestsPerMinute = 1
			cfg.RequestBurst = 1
		})
		require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/tables", "X-Real-IP", "10.0.0.1").Code)
		rec := do(t, s, http.MethodGet, "/api/tables", "X-Real-IP", "10.0.0.1")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.NotEmpty(t, rec.Header().Get("Retry-After"))
		require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/tables", "X-Real-IP", "10.0.0.2").Code)

		// refresh spends several tokens at once
		rec = do(t, s, http.MethodPost, "/api/refresh", "X-Real-IP", "10.0.0.3")
		require.NotEqual(t, http.StatusTooManyRequests, rec.Code)
		require.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodGet, "/api/tables", "X-Real-IP", "10.0.0.3").Code)

		// probes are not limited
		require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "X-Real-IP", "10.0.0.1").Code)
	})
}

func TestZones_Server_RateLimiter(t *testing.T) {
	t.Parallel()

	t.Run("refills over time", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		rl := NewRateLimiter(clock, rate.Every(time.Minute), 2)

		ok, _ := rl.Take("a", 1)
		require.True(t, ok)
		ok, _ = rl.Take("a", 1)
		require.True(t, ok)
		ok, wait := rl.Take("a", 1)
		require.False(t, ok)
		require.InDelta(t, float64(time.Minute), float64(wait), float64(time.Millisecond))

		clock.Advance(61 * time.Second)
		ok, _ = rl.Take("a", 1)
		require.True(t, ok)
	})

	t.Run("cost drains the bucket", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		rl := NewRateLimiter(clock, rate.Every(time.Second), 5)

		ok, _ := rl.Take("a", 5)
		require.True(t, ok)
		ok, wait := rl.Take("a", 5)
		require.False(t, ok)
		require.InDelta(t, float64(5*time.Second), float64(wait), float64(time.Millisecond))

		// A refused request spends nothing.
		clock.Advance(1100 * time.Millisecond)
		ok, _ = rl.Take("a", 1)
		require.True(t, ok)

		// Costs above the burst are clamped instead of never succeeding.
		clock.Advance(10 * time.Second)
		ok, _ = rl.Take("b", 50)
		require.True(t, ok)
	})

	t.Run("forgets idle clients", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		rl := NewRateLimiter(clock, rate.Every(time.Hour), 1)
		rl.Take("a", 1)
		clock.Advance(time.Minute)
		rl.Take("b", 1)

		clock.Advance(limiterIdleTTL - 30*time.Second)
		require.Equal(t, 1, rl.forgetIdle())
		rl.mu.Lock()
		require.Contains(t, rl.clients, "b")
		require.NotContains(t, rl.clients, "a")
		rl.mu.Unlock()
	})
}
