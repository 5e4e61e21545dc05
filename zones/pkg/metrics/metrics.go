package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zones_build_info",
			Help: "Build information of the zones pipeline",
		},
		[]string{"version", "commit", "date"},
	)

	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zones_refresh_total",
			Help: "Total number of pipeline refreshes",
		},
		[]string{"mode", "status"}, // mode: "fetch", "regenerate"
	)

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zones_refresh_duration_seconds",
			Help:    "Duration of pipeline refreshes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"mode"},
	)

	StageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zones_stage_total",
			Help: "Total number of pipeline stage executions",
		},
		[]string{"stage", "status"}, // stage: "landing", "formatted", "unify", "cleaning", "quality", "exploitation"
	)

	UnifyRowsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zones_unify_rows_inserted_total",
			Help: "Rows inserted into trusted tables by unification",
		},
		[]string{"dataset"},
	)

	MatchCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zones_match_candidates",
			Help:    "Number of candidates produced per match rule run",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 to ~16k
		},
	)

	MatchRowsUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zones_match_rows_updated_total",
			Help: "Rows rewritten by the match applicator",
		},
	)

	MatchFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zones_match_failures_total",
			Help: "Candidates whose update was rejected by the backend",
		},
	)

	ExploitationRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zones_exploitation_rows_total",
			Help: "Rows published to exploitation tables",
		},
		[]string{"target"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zones_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zones_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordRefresh records the outcome of one fetch or regenerate run.
func RecordRefresh(mode string, duration time.Duration, err error) {
	RefreshTotal.WithLabelValues(mode, status(err)).Inc()
	RefreshDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordStage(stage string, err error) {
	StageTotal.WithLabelValues(stage, status(err)).Inc()
}

// Middleware records HTTP metrics by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
