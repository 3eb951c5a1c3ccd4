package gates

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyops/remedy/internal/blast"
	"github.com/remedyops/remedy/internal/circuit"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/types"
)

type fixture struct {
	gate    *SafetyGate
	breaker *circuit.Breaker
}

func newFixture(t *testing.T, policies map[string]RepoPolicy, dryRun bool) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	breaker, err := circuit.New(circuit.Config{
		Storage: store,
		Clock:   clock.NewManual(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	gate, err := New(Config{
		Breaker:   breaker,
		Estimator: blast.New(nil),
		Policies:  policies,
		DryRun:    dryRun,
	})
	require.NoError(t, err)
	return &fixture{gate: gate, breaker: breaker}
}

func failure() *types.Failure {
	return &types.Failure{
		FailureID:     "f-1",
		Repository:    "acme/api",
		Branch:        "main",
		WorkflowName:  "ci",
		WorkflowRunID: 100,
		CommitSHA:     "abc123",
		FailureReason: "npm install timeout after 30s",
		Status:        types.StatusAnalyzed,
	}
}

func analysis(risk int, files []string) *types.Analysis {
	return &types.Analysis{
		FailureID:     "f-1",
		ErrorType:     types.ErrorTypeDevOps,
		Category:      types.CategoryTimeout,
		RiskScore:     risk,
		Confidence:    85,
		Effort:        types.EffortLow,
		ProposedFix:   "bump the install timeout",
		FilesToModify: files,
	}
}

func TestLowRiskWorkflowFixAutoApplies(t *testing.T) {
	fx := newFixture(t, nil, false)
	d, assessment, err := fx.gate.Evaluate(context.Background(), failure(),
		analysis(3, []string{".github/workflows/build.yml"}))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAutoApply, d.Verdict)
	assert.True(t, d.Allowed())
	require.NotNil(t, assessment)
	for _, o := range d.Outcomes {
		assert.True(t, o.Passed, "gate %s unexpectedly failed: %s", o.Gate, o.Reason)
	}
}

func TestAppSourceRequiresApproval(t *testing.T) {
	fx := newFixture(t, nil, false)
	d, _, err := fx.gate.Evaluate(context.Background(), failure(),
		analysis(3, []string{"src/index.js"}))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRequireApproval, d.Verdict)
	assert.Equal(t, "application_code", d.Reason)
}

func TestRiskAtThresholdRequiresApproval(t *testing.T) {
	fx := newFixture(t, nil, false)
	d, _, err := fx.gate.Evaluate(context.Background(), failure(),
		analysis(5, []string{".github/workflows/build.yml"}))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRequireApproval, d.Verdict)
	assert.Equal(t, "risk_threshold", d.Reason)
}

func TestProtectedRepositoryEscalates(t *testing.T) {
	fx := newFixture(t, map[string]RepoPolicy{
		"acme/api": {Protected: true},
	}, false)
	d, _, err := fx.gate.Evaluate(context.Background(), failure(),
		analysis(1, []string{".github/workflows/build.yml"}))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRequireApproval, d.Verdict)
	assert.Equal(t, "protected_repository", d.Reason)
}

func TestOpenCircuitBlocks(t *testing.T) {
	fx := newFixture(t, nil, false)
	ctx := context.Background()
	f := failure()
	for i := 0; i < 3; i++ {
		_, err := fx.breaker.OnFailure(ctx, f.Repository, f.Branch, f.FailureReason)
		require.NoError(t, err)
	}

	d, _, err := fx.gate.Evaluate(ctx, f, analysis(1, []string{".github/workflows/build.yml"}))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictBlock, d.Verdict)
	assert.Equal(t, "circuit_open", d.Reason)
	assert.False(t, d.Allowed())
	// Short-circuit: only the circuit outcome is recorded.
	require.Len(t, d.Outcomes, 1)
}

func TestDryRunOverridesAutoApply(t *testing.T) {
	fx := newFixture(t, nil, true)
	d, _, err := fx.gate.Evaluate(context.Background(), failure(),
		analysis(2, []string{".github/workflows/build.yml"}))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictSimulated, d.Verdict)
	assert.True(t, d.Allowed())
}

func TestDryRunDoesNotOverrideApproval(t *testing.T) {
	fx := newFixture(t, nil, true)
	d, _, err := fx.gate.Evaluate(context.Background(), failure(),
		analysis(9, []string{"src/index.js"}))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRequireApproval, d.Verdict)
}

func TestCustomRiskThreshold(t *testing.T) {
	fx := newFixture(t, map[string]RepoPolicy{
		"acme/api": {RiskThreshold: 8},
	}, false)
	d, _, err := fx.gate.Evaluate(context.Background(), failure(),
		analysis(6, []string{".github/workflows/build.yml"}))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAutoApply, d.Verdict)
}
