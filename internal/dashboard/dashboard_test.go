package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/types"
)

func newServer(t *testing.T) (*Server, *sqlite.Store, *clock.Manual) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mc := clock.NewManual(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	s, err := New(Config{
		Storage:      store,
		Clock:        mc,
		Repositories: []string{"acme/api", "acme/web"},
	})
	require.NoError(t, err)
	return s, store, mc
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router(nil).ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func seedFailure(t *testing.T, store *sqlite.Store, id string, at time.Time) {
	t.Helper()
	require.NoError(t, store.CreateFailure(context.Background(), &types.Failure{
		FailureID:     id,
		Repository:    "acme/api",
		Branch:        "main",
		WorkflowName:  "ci",
		WorkflowRunID: time.Now().UnixNano(),
		CommitSHA:     "sha",
		FailureReason: "build failed",
		Status:        types.StatusDetected,
		DetectedAt:    at,
	}))
}

func TestHealthz(t *testing.T) {
	s, _, _ := newServer(t)
	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestStatsCountsRecentFailures(t *testing.T) {
	s, store, mc := newServer(t)
	seedFailure(t, store, "f-1", mc.Now().Add(-time.Hour))
	seedFailure(t, store, "f-2", mc.Now().Add(-2*time.Hour))

	rec := get(t, s, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[statsResponse](t, rec)
	assert.Equal(t, 2, stats.FailuresLast24h)
	assert.Equal(t, 2, stats.ActiveRemediations)
}

func TestFailureFeedBounded(t *testing.T) {
	s, store, mc := newServer(t)
	for i := 0; i < 5; i++ {
		seedFailure(t, store, "f-"+string(rune('a'+i)), mc.Now())
	}

	rec := get(t, s, "/api/failures?limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]*types.Failure](t, rec)
	assert.Len(t, body["failures"], 3)
}

func TestFailureDetailIncludesAnalysis(t *testing.T) {
	s, store, mc := newServer(t)
	seedFailure(t, store, "f-1", mc.Now())
	require.NoError(t, store.StoreAnalysis(context.Background(), &types.Analysis{
		FailureID:   "f-1",
		ErrorType:   types.ErrorTypeDevOps,
		Category:    types.CategoryTimeout,
		RiskScore:   3,
		Confidence:  85,
		Effort:      types.EffortLow,
		ProposedFix: "raise timeout",
		CreatedAt:   mc.Now(),
	}))

	rec := get(t, s, "/api/failures/f-1")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[failureDetail](t, rec)
	require.NotNil(t, detail.Analysis)
	assert.Equal(t, types.CategoryTimeout, detail.Analysis.Category)
}

func TestFailureNotFound(t *testing.T) {
	s, _, _ := newServer(t)
	rec := get(t, s, "/api/failures/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRepositoriesListsConfigured(t *testing.T) {
	s, _, _ := newServer(t)
	rec := get(t, s, "/api/repositories")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{"acme/api", "acme/web"}, body["repositories"])
}

func TestRiskDistributionBuckets(t *testing.T) {
	s, store, mc := newServer(t)
	for i, risk := range []int{2, 5, 8, 10} {
		require.NoError(t, store.StoreMetric(context.Background(), &types.RemediationMetric{
			MetricID:   "m-" + string(rune('a'+i)),
			FailureID:  "f-" + string(rune('a'+i)),
			Repository: "acme/api",
			Category:   types.CategoryTimeout,
			RiskScore:  risk,
			RecordedAt: mc.Now(),
		}))
	}

	rec := get(t, s, "/api/risk-distribution")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Distribution map[string]int `json:"distribution"`
		Total        int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Total)
	assert.Equal(t, 1, body.Distribution["low"])
	assert.Equal(t, 1, body.Distribution["medium"])
	assert.Equal(t, 1, body.Distribution["high"])
	assert.Equal(t, 1, body.Distribution["critical"])
}
