package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/malbeclabs/zones/zones/pkg/config"
	"github.com/malbeclabs/zones/zones/pkg/metrics"
	"github.com/malbeclabs/zones/zones/pkg/registry"
	"github.com/malbeclabs/zones/zones/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const maxRunsLimit = 500

type Server struct {
	log     *slog.Logger
	cfg     Config
	limiter *RateLimiter
	router  chi.Router
	httpSrv *http.Server
}

func New(log *slog.Logger, cfg Config) (*Server, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:     log,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.Clock, rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestBurst),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthzHandler)
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", s.versionHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Limit(1))
			r.Get("/pipelines", s.listPipelines)
			r.Get("/pipelines/{name}", s.getPipeline)
			r.Get("/matches", s.listMatches)
			r.Get("/tables", s.listTables)
			r.Get("/runs/unify", s.listUnifyRuns)
			r.Get("/runs/match", s.listMatchRuns)
		})
		r.With(s.limiter.Limit(cfg.RefreshCost)).Post("/refresh", s.refresh)
	})
	s.router = r

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		// refreshes triggered over HTTP can take a while
		WriteTimeout:   10 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	s.cfg.Refresher.Start(ctx)
	go s.limiter.Run(ctx)

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	s.writeText(w, http.StatusOK, "ok\n")
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Refresher.Ready() {
		s.log.Debug("readyz: first refresh not complete")
		s.writeText(w, http.StatusServiceUnavailable, "refresher not ready\n")
		return
	}
	s.writeText(w, http.StatusOK, "ok\n")
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

type pipelineResponse struct {
	Name string `json:"name"`
	*config.Pipeline
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.cfg.Refresher.Pipelines().LoadAll()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]pipelineResponse, len(pipelines))
	for i, p := range pipelines {
		out[i] = pipelineResponse{Name: p.Name, Pipeline: p}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Refresher.Pipelines().Load(chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, config.ErrPipelineNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err)
	default:
		s.writeJSON(w, http.StatusOK, pipelineResponse{Name: p.Name, Pipeline: p})
	}
}

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	rules, err := s.cfg.Refresher.Registry().List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rules == nil {
		rules = []registry.Rule{}
	}
	s.writeJSON(w, http.StatusOK, rules)
}

func (s *Server) listTables(w http.ResponseWriter, r *http.Request) {
	defs, err := s.cfg.Refresher.Tables().Load()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, defs)
}

func (s *Server) listUnifyRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		s.writeError(w, http.StatusNotFound, errors.New("run ledger not configured"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	runs, err := s.cfg.Ledger.RecentUnifyRuns(r.Context(), r.URL.Query().Get("dataset"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []store.UnifyRun{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) listMatchRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		s.writeError(w, http.StatusNotFound, errors.New("run ledger not configured"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	runs, err := s.cfg.Ledger.RecentMatchRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []store.MatchRun{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

type refreshResponse struct {
	Mode      string   `json:"mode"`
	Pipelines []string `json:"pipelines"`
	Error     string   `json:"error,omitempty"`
}

// refresh fetches the pipelines named by repeated ?pipeline= parameters, or all of them.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["pipeline"]
	report, err := s.cfg.Refresher.Fetch(r.Context(), names...)
	resp := refreshResponse{Pipelines: []string{}}
	if report != nil {
		resp.Mode = report.Mode
		for _, p := range report.Pipelines {
			resp.Pipelines = append(resp.Pipelines, p.Dataset)
		}
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
		if errors.Is(err, config.ErrPipelineNotFound) {
			status = http.StatusNotFound
		}
	}
	s.writeJSON(w, status, resp)
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 50, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return min(n, maxRunsLimit), nil
}

func (s *Server) writeText(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
