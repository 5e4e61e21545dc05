package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestZones_Metrics_RecordRefresh(t *testing.T) {
	before := testutil.ToFloat64(RefreshTotal.WithLabelValues("fetch", "error"))
	RecordRefresh("fetch", time.Second, errors.New("unify failed"))
	require.Equal(t, before+1, testutil.ToFloat64(RefreshTotal.WithLabelValues("fetch", "error")))

	before = testutil.ToFloat64(StageTotal.WithLabelValues("cleaning", "success"))
	RecordStage("cleaning", nil)
	require.Equal(t, before+1, testutil.ToFloat64(StageTotal.WithLabelValues("cleaning", "success")))
}

func TestZones_Metrics_MiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/pipelines/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/pipelines/{name}", "404")
	before := testutil.ToFloat64(counter)
	for _, name := range []string{"sales", "census"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pipelines/"+name, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	require.Equal(t, before+2, testutil.ToFloat64(counter))
}
