package classifier

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyops/remedy/internal/ai"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/patterns"
	"github.com/remedyops/remedy/internal/personality"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/types"
)

// fakeModel returns canned responses in order, capturing prompts.
type fakeModel struct {
	responses []string
	errs      []error
	prompts   []string
	calls     int
}

func (m *fakeModel) Complete(_ context.Context, prompt string, _ int64) (*ai.Completion, error) {
	i := m.calls
	m.calls++
	m.prompts = append(m.prompts, prompt)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	text := m.responses[len(m.responses)-1]
	if i < len(m.responses) {
		text = m.responses[i]
	}
	return &ai.Completion{Text: text, Model: "test-model", Latency: 5 * time.Millisecond}, nil
}

func newClassifier(t *testing.T, model ai.ModelClient) (*Classifier, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mem, err := patterns.New(patterns.Config{Storage: store, Embedder: ai.LocalEmbedder{}})
	require.NoError(t, err)
	require.NoError(t, mem.Warm(context.Background()))

	mc := clock.NewManual(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	prof, err := personality.New(store, mc)
	require.NoError(t, err)

	retry := ai.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second}
	c, err := New(Config{
		Model:    model,
		Memory:   mem,
		Profiler: prof,
		Storage:  store,
		Clock:    mc,
		Retry:    &retry,
	})
	require.NoError(t, err)
	return c, store
}

func testFailure() *types.Failure {
	return &types.Failure{
		FailureID:     "f-1",
		Repository:    "acme/api",
		Branch:        "main",
		WorkflowName:  "ci",
		WorkflowRunID: 100,
		CommitSHA:     "abc123",
		FailureReason: "npm install timeout after 30s",
		Logs:          "npm ERR! network timeout",
		Status:        types.StatusDetected,
	}
}

const goodResponse = `{"error_type": "devops", "category": "timeout", "risk_score": 3,
"confidence": 85, "effort_estimate": "low", "proposed_fix": "raise install timeout",
"files_to_modify": [".github/workflows/build.yml"], "fix_commands": [],
"reasoning": "registry latency", "affected_components": ["ci"]}`

func TestClassifyParsesAndRecordsDecision(t *testing.T) {
	model := &fakeModel{responses: []string{goodResponse}}
	c, store := newClassifier(t, model)

	a, err := c.Classify(context.Background(), testFailure())
	require.NoError(t, err)
	assert.Equal(t, types.ErrorTypeDevOps, a.ErrorType)
	assert.Equal(t, types.CategoryTimeout, a.Category)
	assert.Equal(t, 3, a.RiskScore)
	assert.Equal(t, "test-model", a.ModelID)

	chain, err := store.GetDecisions(context.Background(), "f-1")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, types.DecisionClassification, chain[0].Kind)
	assert.NotEmpty(t, chain[0].ContextDigest)
}

func TestClassifyRejectsInvalidEnum(t *testing.T) {
	model := &fakeModel{responses: []string{
		`{"error_type": "mystery", "category": "timeout", "risk_score": 3, "confidence": 85, "effort_estimate": "low", "proposed_fix": "x"}`,
	}}
	c, _ := newClassifier(t, model)

	_, err := c.Classify(context.Background(), testFailure())
	assert.ErrorIs(t, err, ai.ErrMalformedResponse)
}

func TestClassifyRejectsUnparseable(t *testing.T) {
	model := &fakeModel{responses: []string{"I think this is a timeout issue."}}
	c, _ := newClassifier(t, model)

	_, err := c.Classify(context.Background(), testFailure())
	assert.ErrorIs(t, err, ai.ErrMalformedResponse)
}

func TestClassifyRetriesTransientErrors(t *testing.T) {
	model := &fakeModel{
		responses: []string{"", goodResponse},
		errs:      []error{ai.ErrRateLimited, nil},
	}
	c, _ := newClassifier(t, model)

	a, err := c.Classify(context.Background(), testFailure())
	require.NoError(t, err)
	assert.Equal(t, 2, model.calls)
	assert.Equal(t, types.CategoryTimeout, a.Category)
}

func TestPromptCarriesContext(t *testing.T) {
	model := &fakeModel{responses: []string{goodResponse}}
	c, _ := newClassifier(t, model)

	_, err := c.Classify(context.Background(), testFailure())
	require.NoError(t, err)
	require.Len(t, model.prompts, 1)
	prompt := model.prompts[0]
	assert.Contains(t, prompt, "acme/api")
	assert.Contains(t, prompt, "npm install timeout after 30s")
	assert.Contains(t, prompt, "npm ERR! network timeout")
	assert.Contains(t, prompt, "error_type")
}

func TestGenerateFileFixStripsFences(t *testing.T) {
	model := &fakeModel{responses: []string{goodResponse, "```yaml\ntimeout: 120\n```"}}
	c, _ := newClassifier(t, model)

	f := testFailure()
	a, err := c.Classify(context.Background(), f)
	require.NoError(t, err)

	fixed, skip, err := c.GenerateFileFix(context.Background(), f, a, ".github/workflows/build.yml", []byte("timeout: 30\n"))
	require.NoError(t, err)
	assert.False(t, skip)
	assert.Equal(t, "timeout: 120\n", string(fixed))
}

func TestGenerateFileFixSkipsNoop(t *testing.T) {
	current := "timeout: 30\n"
	model := &fakeModel{responses: []string{goodResponse, current}}
	c, _ := newClassifier(t, model)

	f := testFailure()
	a, err := c.Classify(context.Background(), f)
	require.NoError(t, err)

	_, skip, err := c.GenerateFileFix(context.Background(), f, a, ".github/workflows/build.yml", []byte(current))
	require.NoError(t, err)
	assert.True(t, skip)
}
