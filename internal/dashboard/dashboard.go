// Package dashboard serves the read-only HTTP API backing the operator UI.
package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/patterns"
	"github.com/remedyops/remedy/internal/personality"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

const (
	defaultFeedLimit = 50
	maxFeedLimit     = 200
)

// Server exposes agent state as JSON. All endpoints are read-only.
type Server struct {
	store        storage.Storage
	memory       *patterns.Memory
	profiler     *personality.Profiler
	clock        clock.Clock
	repositories []string
}

// Config configures the server.
type Config struct {
	Storage      storage.Storage
	Memory       *patterns.Memory
	Profiler     *personality.Profiler
	Clock        clock.Clock
	Repositories []string
}

// New creates the server.
func New(cfg Config) (*Server, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Server{
		store:        cfg.Storage,
		memory:       cfg.Memory,
		profiler:     cfg.Profiler,
		clock:        cfg.Clock,
		repositories: cfg.Repositories,
	}, nil
}

// Router builds the HTTP routes. The optional metricsHandler is mounted at
// /metrics when non-nil.
func (s *Server) Router(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/failures", s.handleFailures)
		r.Get("/failures/{id}", s.handleFailure)
		r.Get("/risk-distribution", s.handleRiskDistribution)
		r.Get("/audit", s.handleAudit)
		r.Get("/repositories", s.handleRepositories)
		r.Get("/repositories/{owner}/{repo}/personality", s.handlePersonality)
		r.Get("/circuits", s.handleCircuits)
		r.Get("/patterns/stats", s.handlePatternStats)
		r.Get("/approvals/pending", s.handlePendingApprovals)
	})
	if metricsHandler != nil {
		r.Method("GET", "/metrics", metricsHandler)
	}
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsResponse is the headline dashboard card.
type statsResponse struct {
	FailuresLast24h    int     `json:"failures_last_24h"`
	SuccessRate        float64 `json:"success_rate"`
	ActiveRemediations int     `json:"active_remediations"`
	OpenCircuits       int     `json:"open_circuits"`
	PatternsLearned    int     `json:"patterns_learned"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.clock.Now()

	count, err := s.store.CountFailuresSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}
	ms, err := s.store.ListMetrics(ctx, storage.MetricFilter{Since: now.Add(-7 * 24 * time.Hour)})
	if err != nil {
		writeError(w, err)
		return
	}
	var succeeded int
	for _, m := range ms {
		if m.Success {
			succeeded++
		}
	}
	rate := 0.0
	if len(ms) > 0 {
		rate = float64(succeeded) / float64(len(ms))
	}

	var active int
	for _, status := range []types.FailureStatus{types.StatusDetected, types.StatusAnalyzed, types.StatusGated, types.StatusPROpen} {
		fs, err := s.store.ListFailures(ctx, storage.FailureFilter{Status: status})
		if err != nil {
			writeError(w, err)
			return
		}
		active += len(fs)
	}

	open, err := s.store.ListCircuits(ctx, types.CircuitOpen)
	if err != nil {
		writeError(w, err)
		return
	}
	patternCount, err := s.store.CountPatterns(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		FailuresLast24h:    count,
		SuccessRate:        rate,
		ActiveRemediations: active,
		OpenCircuits:       len(open),
		PatternsLearned:    patternCount,
	})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultFeedLimit)
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	filter := storage.FailureFilter{
		Repository: r.URL.Query().Get("repository"),
		Status:     types.FailureStatus(r.URL.Query().Get("status")),
		Limit:      limit,
	}
	failures, err := s.store.ListFailures(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

// failureDetail is the drill-down view: record, analysis, decision chain.
type failureDetail struct {
	Failure   *types.Failure          `json:"failure"`
	Analysis  *types.Analysis         `json:"analysis,omitempty"`
	Decisions []*types.DecisionRecord `json:"decisions,omitempty"`
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.store.GetFailure(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	detail := failureDetail{Failure: f}
	if a, err := s.store.GetAnalysis(r.Context(), id); err == nil {
		detail.Analysis = a
	}
	if chain, err := s.store.GetDecisions(r.Context(), id); err == nil {
		detail.Decisions = chain
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRiskDistribution(w http.ResponseWriter, r *http.Request) {
	ms, err := s.store.ListMetrics(r.Context(), storage.MetricFilter{
		Since: s.clock.Now().Add(-30 * 24 * time.Hour),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	histogram := map[string]int{"low": 0, "medium": 0, "high": 0, "critical": 0}
	for _, m := range ms {
		switch {
		case m.RiskScore >= 9:
			histogram["critical"]++
		case m.RiskScore >= 7:
			histogram["high"]++
		case m.RiskScore >= 4:
			histogram["medium"]++
		default:
			histogram["low"]++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"distribution": histogram, "total": len(ms)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultFeedLimit)
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	entries, err := s.store.QueryAudit(r.Context(), storage.AuditFilter{
		FailureID:  r.URL.Query().Get("failure_id"),
		ActionKind: r.URL.Query().Get("action"),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"repositories": s.repositories})
}

func (s *Server) handlePersonality(w http.ResponseWriter, r *http.Request) {
	if s.profiler == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "profiler not enabled"})
		return
	}
	repo := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
	profile, err := s.profiler.Profile(r.Context(), repo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	state := types.CircuitState(r.URL.Query().Get("state"))
	circuits, err := s.store.ListCircuits(r.Context(), state)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": circuits})
}

func (s *Server) handlePatternStats(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "pattern memory not enabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.memory.Statistics())
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListPendingApprovals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, storage.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
