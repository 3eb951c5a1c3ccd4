package personality

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/types"
)

func seed(t *testing.T, store *sqlite.Store, repo string, n int, category string, detected time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%s-%d-%d", repo, category, detected.Unix(), i)
		require.NoError(t, store.CreateFailure(ctx, &types.Failure{
			FailureID:     id,
			Repository:    repo,
			Branch:        "main",
			WorkflowName:  "ci",
			WorkflowRunID: detected.UnixNano() + int64(i),
			CommitSHA:     "abc",
			FailureReason: "failed",
			Status:        types.StatusDetected,
			DetectedAt:    detected,
			UpdatedAt:     detected,
		}))
		require.NoError(t, store.StoreMetric(ctx, &types.RemediationMetric{
			MetricID:       id + "-m",
			FailureID:      id,
			Repository:     repo,
			Category:       category,
			TotalLatencyMS: 120000,
			Success:        true,
			RecordedAt:     detected,
		}))
	}
}

func TestThinHistoryHasNoFlags(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	seed(t, store, "acme/api", 3, types.CategoryFlakyTest, now.Add(-time.Hour))

	p, err := New(store, clock.NewManual(now))
	require.NoError(t, err)
	profile, err := p.Profile(context.Background(), "acme/api")
	require.NoError(t, err)
	assert.Equal(t, 3, profile.TotalFailures)
	assert.Empty(t, profile.Patterns)
}

func TestFlakyAndDominantFlags(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Wednesday at noon so neither the Friday nor the peak-hour flag can
	// trigger by accident from a single burst... except hour: all failures at
	// the same hour do trigger the peak-hour flag, which carries a zero
	// adjustment anyway.
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	seed(t, store, "acme/api", 6, types.CategoryFlakyTest, now.Add(-2*time.Hour))
	seed(t, store, "acme/api", 2, types.CategoryConfig, now.Add(-3*time.Hour))

	p, err := New(store, clock.NewManual(now))
	require.NoError(t, err)
	profile, err := p.Profile(context.Background(), "acme/api")
	require.NoError(t, err)

	assert.Equal(t, 8, profile.TotalFailures)
	assert.Equal(t, types.CategoryFlakyTest, profile.DominantCategory)
	assert.InDelta(t, 0.75, profile.FlakyRate, 1e-9)

	kinds := map[string]bool{}
	for _, pat := range profile.Patterns {
		kinds[pat.Type] = true
	}
	assert.True(t, kinds[PatternFlaky])
	assert.True(t, kinds[PatternDominant])
	assert.False(t, kinds[PatternFriday])
}

func TestAdjustmentClampedAndConditional(t *testing.T) {
	profile := &types.PersonalityProfile{
		DominantCategory: types.CategoryFlakyTest,
		Patterns: []types.DetectedPattern{
			{Type: PatternFlaky, ConfidenceAdjust: -0.1},
			{Type: PatternFriday, ConfidenceAdjust: -0.05},
			{Type: PatternDominant, ConfidenceAdjust: 0.1},
		},
	}

	wednesday := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	friday := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)

	// Flaky category on a Wednesday: flaky (-0.1) + dominant (+0.1).
	assert.InDelta(t, 0.0, Adjustment(profile, types.CategoryFlakyTest, wednesday), 1e-9)

	// Config category on a Friday: only the Friday flag applies.
	assert.InDelta(t, -0.05, Adjustment(profile, types.CategoryConfig, friday), 1e-9)

	// Clamping.
	big := &types.PersonalityProfile{
		DominantCategory: types.CategoryConfig,
		Patterns: []types.DetectedPattern{
			{Type: PatternDominant, ConfidenceAdjust: 0.1},
			{Type: PatternDominant, ConfidenceAdjust: 0.1},
			{Type: PatternDominant, ConfidenceAdjust: 0.1},
		},
	}
	assert.InDelta(t, MaxAdjust, Adjustment(big, types.CategoryConfig, wednesday), 1e-9)
}

func TestProfileCached(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	mc := clock.NewManual(now)
	seed(t, store, "acme/api", 2, types.CategoryConfig, now.Add(-time.Hour))

	p, err := New(store, mc)
	require.NoError(t, err)
	first, err := p.Profile(context.Background(), "acme/api")
	require.NoError(t, err)
	assert.Equal(t, 2, first.TotalFailures)

	// New data within the TTL is not visible.
	seed(t, store, "acme/api", 2, types.CategoryConfig, now.Add(-30*time.Minute))
	again, err := p.Profile(context.Background(), "acme/api")
	require.NoError(t, err)
	assert.Equal(t, 2, again.TotalFailures)

	// Past the TTL the profile recomputes.
	mc.Advance(16 * time.Minute)
	fresh, err := p.Profile(context.Background(), "acme/api")
	require.NoError(t, err)
	assert.Equal(t, 4, fresh.TotalFailures)
}
