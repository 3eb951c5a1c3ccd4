package metrics

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

type alertCapture struct {
	alerts []string
}

func (n *alertCapture) FailureDetected(context.Context, *types.Failure) error { return nil }
func (n *alertCapture) AnalysisComplete(context.Context, *types.Failure, *types.Analysis, *types.GateDecision) error {
	return nil
}
func (n *alertCapture) ApprovalRequested(context.Context, *types.ApprovalRequest, *types.Analysis) error {
	return nil
}
func (n *alertCapture) RemediationOutcome(context.Context, *types.Failure, bool, string) error {
	return nil
}
func (n *alertCapture) DeveloperEscalation(context.Context, *types.Failure, *types.Analysis) error {
	return nil
}
func (n *alertCapture) CriticalAlert(_ context.Context, title, _ string) error {
	n.alerts = append(n.alerts, title)
	return nil
}
func (n *alertCapture) WeeklyReport(context.Context, string) error { return nil }

func newAlerter(t *testing.T) (*Alerter, *sqlite.Store, *alertCapture, *clock.Manual) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	capture := &alertCapture{}
	mc := clock.NewManual(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	a, err := NewAlerter(store, capture, mc, 0)
	require.NoError(t, err)
	return a, store, capture, mc
}

func seedMetrics(t *testing.T, store *sqlite.Store, at time.Time, n int, success bool, latencyMS int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.StoreMetric(context.Background(), &types.RemediationMetric{
			MetricID:       fmt.Sprintf("m-%d-%d", at.Unix(), i),
			FailureID:      fmt.Sprintf("f-%d-%d", at.Unix(), i),
			Repository:     "acme/api",
			Category:       types.CategoryTimeout,
			TotalLatencyMS: latencyMS,
			Success:        success,
			RecordedAt:     at,
		}))
	}
}

func TestSuccessRateDropFires(t *testing.T) {
	a, store, capture, mc := newAlerter(t)
	seedMetrics(t, store, mc.Now().Add(-time.Hour), 6, false, 60_000)

	fired, err := a.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Contains(t, fired, "success_rate_drop")
	require.Len(t, capture.alerts, 1)
	assert.Equal(t, "Remediation success rate dropped", capture.alerts[0])
}

func TestNoAlertBelowSampleFloor(t *testing.T) {
	a, store, capture, mc := newAlerter(t)
	seedMetrics(t, store, mc.Now().Add(-time.Hour), 3, false, 60_000)

	fired, err := a.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fired)
	assert.Empty(t, capture.alerts)
}

func TestLatencySpikeComparesBaseline(t *testing.T) {
	a, store, capture, mc := newAlerter(t)
	// A healthy baseline three days back, then a slow recent day.
	seedMetrics(t, store, mc.Now().Add(-3*24*time.Hour), 6, true, 60_000)
	seedMetrics(t, store, mc.Now().Add(-time.Hour), 6, true, 600_000)

	fired, err := a.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Contains(t, fired, "resolution_time_spike")
	assert.Len(t, capture.alerts, 1)
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	a, store, capture, mc := newAlerter(t)
	seedMetrics(t, store, mc.Now().Add(-time.Hour), 6, false, 60_000)

	_, err := a.Evaluate(context.Background())
	require.NoError(t, err)
	_, err = a.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Len(t, capture.alerts, 1)

	mc.Advance(DefaultCooldown + time.Minute)
	seedMetrics(t, store, mc.Now().Add(-time.Hour), 6, false, 60_000)
	_, err = a.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Len(t, capture.alerts, 2)
}

func TestWeeklyReportSummarizes(t *testing.T) {
	_, store, _, mc := newAlerter(t)
	seedMetrics(t, store, mc.Now().Add(-24*time.Hour), 4, true, 120_000)
	seedMetrics(t, store, mc.Now().Add(-48*time.Hour), 1, false, 120_000)

	report, err := WeeklyReport(context.Background(), store, mc.Now())
	require.NoError(t, err)
	assert.Contains(t, report, "Remediations completed: 5")
	assert.Contains(t, report, "Success rate: 80%")
	assert.Contains(t, report, "timeout: 5")
}
