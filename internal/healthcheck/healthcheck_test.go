package healthcheck

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyops/remedy/internal/ai"
	"github.com/remedyops/remedy/internal/audit"
	"github.com/remedyops/remedy/internal/circuit"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/patterns"
	"github.com/remedyops/remedy/internal/snapshot"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/types"
	"github.com/remedyops/remedy/internal/vcs"
)

// captureNotifier records critical alerts and outcomes.
type captureNotifier struct {
	alerts   []string
	outcomes []bool
}

func (n *captureNotifier) FailureDetected(context.Context, *types.Failure) error { return nil }
func (n *captureNotifier) AnalysisComplete(context.Context, *types.Failure, *types.Analysis, *types.GateDecision) error {
	return nil
}
func (n *captureNotifier) ApprovalRequested(context.Context, *types.ApprovalRequest, *types.Analysis) error {
	return nil
}
func (n *captureNotifier) RemediationOutcome(_ context.Context, _ *types.Failure, success bool, _ string) error {
	n.outcomes = append(n.outcomes, success)
	return nil
}
func (n *captureNotifier) DeveloperEscalation(context.Context, *types.Failure, *types.Analysis) error {
	return nil
}
func (n *captureNotifier) CriticalAlert(_ context.Context, title, _ string) error {
	n.alerts = append(n.alerts, title)
	return nil
}
func (n *captureNotifier) WeeklyReport(context.Context, string) error { return nil }

type fixture struct {
	checker  *Checker
	store    *sqlite.Store
	fake     *vcs.Fake
	clock    *clock.Manual
	notifier *captureNotifier
	breaker  *circuit.Breaker
	memory   *patterns.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mc := clock.NewManual(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	fake := vcs.NewFake()
	notifier := &captureNotifier{}

	snaps, err := snapshot.New(snapshot.Config{Storage: store, VCS: fake, Clock: mc})
	require.NoError(t, err)
	breaker, err := circuit.New(circuit.Config{Storage: store, Clock: mc})
	require.NoError(t, err)
	memory, err := patterns.New(patterns.Config{Storage: store, Embedder: ai.LocalEmbedder{}})
	require.NoError(t, err)
	require.NoError(t, memory.Warm(context.Background()))
	rec, err := audit.New(store, mc)
	require.NoError(t, err)

	checker, err := New(Config{
		Storage:   store,
		VCS:       fake,
		Snapshots: snaps,
		Breaker:   breaker,
		Memory:    memory,
		Notifier:  notifier,
		Audit:     rec,
		Clock:     mc,
	})
	require.NoError(t, err)
	return &fixture{checker: checker, store: store, fake: fake, clock: mc, notifier: notifier, breaker: breaker, memory: memory}
}

// seedRemediation sets up a failure in pr_open with a snapshot, an analysis,
// and a due health check, mirroring the state the executor leaves behind.
func seedRemediation(t *testing.T, fx *fixture) *types.HealthCheck {
	t.Helper()
	ctx := context.Background()

	f := &types.Failure{
		FailureID:     "f-1",
		Repository:    "acme/api",
		Branch:        "main",
		WorkflowName:  "ci",
		WorkflowRunID: 100,
		CommitSHA:     "sha-broken",
		FailureReason: "npm install timeout",
		Status:        types.StatusDetected,
		DetectedAt:    fx.clock.Now(),
	}
	require.NoError(t, fx.store.CreateFailure(ctx, f))
	require.NoError(t, fx.store.UpdateFailureStatus(ctx, "f-1", types.StatusPROpen, ""))
	require.NoError(t, fx.store.SetFailurePR(ctx, "f-1", 7, "https://example.com/pr/7"))
	require.NoError(t, fx.store.StoreAnalysis(ctx, &types.Analysis{
		FailureID:   "f-1",
		ErrorType:   types.ErrorTypeDevOps,
		Category:    types.CategoryTimeout,
		RiskScore:   3,
		Confidence:  85,
		Effort:      types.EffortLow,
		ProposedFix: "raise the install timeout",
		CreatedAt:   fx.clock.Now(),
	}))

	fx.fake.SeedFile("sha-broken", ".github/workflows/build.yml", []byte("timeout: 30\n"))
	snaps, err := snapshot.New(snapshot.Config{Storage: fx.store, VCS: fx.fake, Clock: fx.clock})
	require.NoError(t, err)
	snap, err := snaps.Capture(ctx, f, []string{".github/workflows/build.yml"})
	require.NoError(t, err)

	require.NoError(t, fx.fake.CreateBranch(ctx, "acme/api", "remedy/fix-f-1", "sha-broken"))
	require.NoError(t, fx.fake.CommitFile(ctx, "acme/api", "remedy/fix-f-1", "fix",
		vcs.FileChange{Path: ".github/workflows/build.yml", Content: []byte("timeout: 120\n")}))

	hc := &types.HealthCheck{
		CheckID:       "hc-1",
		RemediationID: "f-1",
		SnapshotID:    snap.SnapshotID,
		Repository:    "acme/api",
		Branch:        "main",
		ScheduledAt:   fx.clock.Now().Add(5 * time.Minute),
	}
	require.NoError(t, fx.store.StoreHealthCheck(ctx, hc))
	fx.clock.Advance(5 * time.Minute)
	return hc
}

func TestDueFiltersByScheduledTime(t *testing.T) {
	fx := newFixture(t)
	_ = seedRemediation(t, fx) // clock already advanced past the schedule

	due, err := fx.checker.Due(context.Background())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "hc-1", due[0].CheckID)

	future := &types.HealthCheck{
		CheckID:       "hc-2",
		RemediationID: "f-1",
		SnapshotID:    due[0].SnapshotID,
		Repository:    "acme/api",
		Branch:        "main",
		ScheduledAt:   fx.clock.Now().Add(time.Hour),
	}
	require.NoError(t, fx.store.StoreHealthCheck(context.Background(), future))
	due, err = fx.checker.Due(context.Background())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestPassedCheckMarksRemediated(t *testing.T) {
	fx := newFixture(t)
	hc := seedRemediation(t, fx)

	passed, err := fx.checker.Execute(context.Background(), hc)
	require.NoError(t, err)
	assert.True(t, passed)

	f, err := fx.store.GetFailure(context.Background(), "f-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRemediated, f.Status)

	// The confirmed outcome feeds pattern memory.
	stats := fx.memory.Statistics()
	assert.Equal(t, 1, stats.Total)

	pending, err := fx.store.ListPendingHealthChecks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, []bool{true}, fx.notifier.outcomes)
}

func TestFailedCheckRollsBack(t *testing.T) {
	fx := newFixture(t)
	hc := seedRemediation(t, fx)

	// A new failing run landed on the target branch after the remediation.
	fx.fake.Runs = append(fx.fake.Runs, vcs.WorkflowRun{
		ID:           200,
		WorkflowName: "ci",
		HeadBranch:   "main",
		HeadSHA:      "sha-after",
		Conclusion:   "failure",
		CreatedAt:    fx.clock.Now(),
	})

	passed, err := fx.checker.Execute(context.Background(), hc)
	require.NoError(t, err)
	assert.False(t, passed)

	restored, _, err := fx.fake.GetFileContent(context.Background(), "acme/api", ".github/workflows/build.yml", "remedy/fix-f-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("timeout: 30\n"), restored)

	f, err := fx.store.GetFailure(context.Background(), "f-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRolledBack, f.Status)

	require.Len(t, fx.notifier.alerts, 1)
	assert.Equal(t, []bool{false}, fx.notifier.outcomes)

	entries, err := fx.store.QueryAudit(context.Background(), storage.AuditFilter{ActionKind: "rollback"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.OutcomeSuccess, entries[0].Outcome)
}

func TestExecuteResolvesExactlyOnce(t *testing.T) {
	fx := newFixture(t)
	hc := seedRemediation(t, fx)

	_, err := fx.checker.Execute(context.Background(), hc)
	require.NoError(t, err)

	// A second execution of the same record must hit the resolve guard.
	fresh := *hc
	fresh.ExecutedAt = nil
	fresh.Passed = nil
	_, err = fx.checker.Execute(context.Background(), &fresh)
	assert.Error(t, err)
}
