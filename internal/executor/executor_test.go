package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyops/remedy/internal/ai"
	"github.com/remedyops/remedy/internal/audit"
	"github.com/remedyops/remedy/internal/classifier"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/patterns"
	"github.com/remedyops/remedy/internal/personality"
	"github.com/remedyops/remedy/internal/snapshot"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/types"
	"github.com/remedyops/remedy/internal/vcs"
)

// fakeModel returns canned responses in order.
type fakeModel struct {
	responses []string
	calls     int
}

func (m *fakeModel) Complete(_ context.Context, _ string, _ int64) (*ai.Completion, error) {
	text := m.responses[len(m.responses)-1]
	if m.calls < len(m.responses) {
		text = m.responses[m.calls]
	}
	m.calls++
	return &ai.Completion{Text: text, Model: "test-model"}, nil
}

type fixture struct {
	exec  *Executor
	fake  *vcs.Fake
	store *sqlite.Store
	clock *clock.Manual
}

func newFixture(t *testing.T, model ai.ModelClient) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mc := clock.NewManual(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	fake := vcs.NewFake()

	mem, err := patterns.New(patterns.Config{Storage: store, Embedder: ai.LocalEmbedder{}})
	require.NoError(t, err)
	prof, err := personality.New(store, mc)
	require.NoError(t, err)
	retry := ai.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second}
	cls, err := classifier.New(classifier.Config{
		Model: model, Memory: mem, Profiler: prof, Storage: store, Clock: mc, Retry: &retry,
	})
	require.NoError(t, err)

	snaps, err := snapshot.New(snapshot.Config{Storage: store, VCS: fake, Clock: mc})
	require.NoError(t, err)
	rec, err := audit.New(store, mc)
	require.NoError(t, err)

	exec, err := New(Config{
		Storage: store, VCS: fake, Classifier: cls, Snapshots: snaps, Audit: rec, Clock: mc,
	})
	require.NoError(t, err)
	return &fixture{exec: exec, fake: fake, store: store, clock: mc}
}

func seedFailure(t *testing.T, fx *fixture) *types.Failure {
	t.Helper()
	f := &types.Failure{
		FailureID:     "f-1",
		Repository:    "acme/api",
		Branch:        "main",
		WorkflowName:  "ci",
		WorkflowRunID: 100,
		CommitSHA:     "sha-broken",
		FailureReason: "npm install timeout",
		Status:        types.StatusGated,
		DetectedAt:    fx.clock.Now(),
	}
	require.NoError(t, fx.store.CreateFailure(context.Background(), f))
	return f
}

func analysisFor(f *types.Failure) *types.Analysis {
	return &types.Analysis{
		FailureID:     f.FailureID,
		ErrorType:     types.ErrorTypeDevOps,
		Category:      types.CategoryTimeout,
		RiskScore:     3,
		Confidence:    85,
		Effort:        types.EffortLow,
		ProposedFix:   "raise the install timeout",
		FilesToModify: []string{".github/workflows/build.yml"},
	}
}

func TestExecuteBranchesFromFailingCommit(t *testing.T) {
	model := &fakeModel{responses: []string{"timeout: 120\n"}}
	fx := newFixture(t, model)
	f := seedFailure(t, fx)
	fx.fake.SeedFile("sha-broken", ".github/workflows/build.yml", []byte("timeout: 30\n"))

	res, err := fx.exec.Execute(context.Background(), f, analysisFor(f))
	require.NoError(t, err)

	assert.Equal(t, "remedy/fix-f-1", res.Branch)
	assert.Equal(t, []string{".github/workflows/build.yml"}, res.FilesChanged)

	require.Len(t, fx.fake.PRs, 1)
	pr := fx.fake.PRs[0]
	assert.Equal(t, "main", pr.Base)
	assert.Equal(t, "remedy/fix-f-1", pr.Head)
	assert.NotEqual(t, fx.fake.Default, pr.Head)

	content, _, err := fx.fake.GetFileContent(context.Background(), "acme/api", ".github/workflows/build.yml", res.Branch)
	require.NoError(t, err)
	assert.Equal(t, "timeout: 120\n", string(content))

	stored, err := fx.store.GetFailure(context.Background(), "f-1")
	require.NoError(t, err)
	assert.Equal(t, pr.Number, stored.PRNumber)
}

func TestExecuteSchedulesHealthCheck(t *testing.T) {
	model := &fakeModel{responses: []string{"timeout: 120\n"}}
	fx := newFixture(t, model)
	f := seedFailure(t, fx)
	fx.fake.SeedFile("sha-broken", ".github/workflows/build.yml", []byte("timeout: 30\n"))

	res, err := fx.exec.Execute(context.Background(), f, analysisFor(f))
	require.NoError(t, err)

	hc, err := fx.exec.ScheduleHealthCheck(context.Background(), f, res.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, fx.clock.Now().Add(DefaultHealthCheckDelay), hc.ScheduledAt)
	assert.Equal(t, res.SnapshotID, hc.SnapshotID)

	pending, err := fx.store.ListPendingHealthChecks(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "f-1", pending[0].RemediationID)
}

func TestExecuteSnapshotsBeforeEdit(t *testing.T) {
	model := &fakeModel{responses: []string{"timeout: 120\n"}}
	fx := newFixture(t, model)
	f := seedFailure(t, fx)
	fx.fake.SeedFile("sha-broken", ".github/workflows/build.yml", []byte("timeout: 30\n"))

	res, err := fx.exec.Execute(context.Background(), f, analysisFor(f))
	require.NoError(t, err)

	snap, err := fx.store.GetSnapshot(context.Background(), res.SnapshotID)
	require.NoError(t, err)
	require.Len(t, snap.Files, 1)
	assert.Equal(t, []byte("timeout: 30\n"), snap.Files[0].Content)
	assert.Equal(t, "sha-broken", snap.BaseCommitSHA)
}

func TestExecuteNoopFixAbortsAndCleansBranch(t *testing.T) {
	// The model returns the current content unchanged, so no edit lands.
	model := &fakeModel{responses: []string{"timeout: 30\n"}}
	fx := newFixture(t, model)
	f := seedFailure(t, fx)
	fx.fake.SeedFile("sha-broken", ".github/workflows/build.yml", []byte("timeout: 30\n"))

	_, err := fx.exec.Execute(context.Background(), f, analysisFor(f))
	assert.ErrorIs(t, err, ErrNoApplicableFix)
	assert.Empty(t, fx.fake.PRs)
	_, ok := fx.fake.Branches["remedy/fix-f-1"]
	assert.False(t, ok)
}

func TestExecuteRejectsEmptyFileList(t *testing.T) {
	fx := newFixture(t, &fakeModel{responses: []string{""}})
	f := seedFailure(t, fx)
	a := analysisFor(f)
	a.FilesToModify = nil

	_, err := fx.exec.Execute(context.Background(), f, a)
	assert.ErrorIs(t, err, ErrNoApplicableFix)
}
