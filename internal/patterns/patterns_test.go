package patterns

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyops/remedy/internal/ai"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/types"
)

func testMemory(t *testing.T, retention int) *Memory {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := New(Config{Storage: store, Embedder: ai.LocalEmbedder{}, Retention: retention})
	require.NoError(t, err)
	require.NoError(t, m.Warm(context.Background()))
	return m
}

func record(t *testing.T, m *Memory, repo, reason, category string, successful bool) *types.Pattern {
	t.Helper()
	p := &types.Pattern{
		Repository:    repo,
		Branch:        "main",
		FailureReason: reason,
		Category:      category,
		ProposedFix:   "bump timeout",
		FixSuccessful: successful,
	}
	require.NoError(t, m.Record(context.Background(), p))
	return p
}

func TestRecordNormalizesAndEmbeds(t *testing.T) {
	m := testMemory(t, 0)
	p := record(t, m, "acme/api", "npm install timeout at 12:30:55", types.CategoryTimeout, true)
	assert.Equal(t, "npm install timeout at", p.ErrorSignature)
	assert.Len(t, p.Embedding, ai.EmbeddingDim)
	assert.Equal(t, types.EmbeddingLocal, p.EmbeddingFamily)
	assert.NotEmpty(t, p.PatternID)
}

func TestSimilarRecallsSameShape(t *testing.T) {
	m := testMemory(t, 0)
	record(t, m, "acme/api", "npm install timeout after 30s", types.CategoryTimeout, true)
	record(t, m, "acme/api", "segmentation fault in parser module", types.CategoryBuildError, true)

	matches, err := m.Similar(context.Background(),
		"npm install timeout after 45s", types.CategoryTimeout, "acme/api", 3)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, types.CategoryTimeout, matches[0].Pattern.Category)
	assert.GreaterOrEqual(t, matches[0].Similarity, SameCategoryThreshold)
}

func TestSimilarScopedToRepository(t *testing.T) {
	m := testMemory(t, 0)
	record(t, m, "acme/web", "npm install timeout after 30s", types.CategoryTimeout, true)

	matches, err := m.Similar(context.Background(),
		"npm install timeout after 30s", types.CategoryTimeout, "acme/api", 3)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSimilarSkipsFailedFixes(t *testing.T) {
	m := testMemory(t, 0)
	record(t, m, "acme/api", "npm install timeout after 30s", types.CategoryTimeout, false)

	matches, err := m.Similar(context.Background(),
		"npm install timeout after 30s", types.CategoryTimeout, "acme/api", 3)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// The failed attempt still counts toward corpus statistics.
	stats := m.Statistics()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 0, stats.Successful)
}

func TestSimilarCrossCategoryStricter(t *testing.T) {
	m := testMemory(t, 0)
	record(t, m, "acme/api", "connection timeout talking to registry", types.CategoryTimeout, true)

	// Near-identical reason queried under a different category must clear the
	// higher bar; a loosely related one must not.
	matches, err := m.Similar(context.Background(),
		"connection timeout talking to registry", types.CategoryDependency, "acme/api", 3)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.GreaterOrEqual(t, matches[0].Similarity, CrossCategoryThreshold)

	matches, err = m.Similar(context.Background(),
		"timeout registry connection failed badly elsewhere", types.CategoryDependency, "acme/api", 3)
	require.NoError(t, err)
	for _, match := range matches {
		assert.GreaterOrEqual(t, match.Similarity, CrossCategoryThreshold)
	}
}

func TestRetentionEvictsOldest(t *testing.T) {
	m := testMemory(t, 3)
	for i := 0; i < 5; i++ {
		record(t, m, "acme/api", fmt.Sprintf("failure variant %d occurred", i), types.CategoryTimeout, true)
	}
	stats := m.Statistics()
	assert.Equal(t, 3, stats.Total)
}

func TestStatistics(t *testing.T) {
	m := testMemory(t, 0)
	record(t, m, "acme/api", "alpha failure", types.CategoryTimeout, true)
	record(t, m, "acme/api", "beta failure", types.CategoryConfig, false)
	record(t, m, "acme/web", "gamma failure", types.CategoryTimeout, true)

	s := m.Statistics()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Successful)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.Equal(t, 2, s.ByCategory[types.CategoryTimeout])
	assert.Equal(t, 2, s.ByRepo["acme/api"])
}

func TestWarmRebuildsIndex(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m1, err := New(Config{Storage: store, Embedder: ai.LocalEmbedder{}})
	require.NoError(t, err)
	require.NoError(t, m1.Warm(context.Background()))
	record(t, m1, "acme/api", "npm install timeout after 30s", types.CategoryTimeout, true)

	m2, err := New(Config{Storage: store, Embedder: ai.LocalEmbedder{}})
	require.NoError(t, err)
	require.NoError(t, m2.Warm(context.Background()))

	matches, err := m2.Similar(context.Background(),
		"npm install timeout after 30s", types.CategoryTimeout, "acme/api", 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
