package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaycheck/internal/metrics"
	"relaycheck/internal/models"
)

// StatsSource provides the aggregates behind the relay report.
type StatsSource interface {
	Counts(ctx context.Context) (models.RelayCounts, error)
	InfoDocuments(ctx context.Context) ([]string, error)
}

// RunSource provides recorded run summaries.
type RunSource interface {
	Latest() (models.RunSummary, bool)
	HistoryN(limit int) []models.RunSummary
}

// Server wraps HTTP serving of the relay report, run history and metrics.
type Server struct {
	httpServer   *http.Server
	stats        StatsSource
	runs         RunSource
	gatherer     prometheus.Gatherer
	logger       *slog.Logger
	historyLimit int
}

// New creates a configured HTTP server.
func New(addr string, stats StatsSource, runs RunSource, gatherer prometheus.Gatherer, historyLimit int, logger *slog.Logger) *Server {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		stats:        stats,
		runs:         runs,
		gatherer:     gatherer,
		logger:       logger,
		historyLimit: historyLimit,
	}
	s.registerRoutes(mux)
	return s
}

// Handler exposes the route table.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/latest", s.handleLatestRun)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.stats.Counts(ctx)
	if err != nil {
		s.internalError(w, "count relays", err)
		return
	}
	docs, err := s.stats.InfoDocuments(ctx)
	if err != nil {
		s.internalError(w, "list info documents", err)
		return
	}
	top := parseLimit(r, "top", metrics.DefaultTopImplementations)
	writeJSON(w, http.StatusOK, metrics.ComputeRelayStats(counts, docs, top))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, "limit", s.historyLimit)
	writeJSON(w, http.StatusOK, s.runs.HistoryN(limit))
}

func (s *Server) handleLatestRun(w http.ResponseWriter, _ *http.Request) {
	run, ok := s.runs.Latest()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no runs recorded"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("api request failed", slog.String("op", op), slog.Any("error", err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
}

// parseLimit reads a positive integer query parameter capped at fallback.
func parseLimit(r *http.Request, key string, fallback int) int {
	if fallback <= 0 {
		return fallback
	}
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > fallback {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
