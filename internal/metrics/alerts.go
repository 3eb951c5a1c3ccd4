package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/notify"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

const (
	// DefaultEvalInterval is how often the alerter re-evaluates thresholds.
	DefaultEvalInterval = 15 * time.Minute
	// DefaultCooldown suppresses repeats of an already-fired alert.
	DefaultCooldown = 2 * time.Hour

	// recentWindow is the evaluation window; baselineWindow the comparison.
	recentWindow   = 24 * time.Hour
	baselineWindow = 7 * 24 * time.Hour

	// minSamples guards against alerting on noise.
	minSamples = 5

	// successRateFloor fires when the recent success rate drops below it.
	successRateFloor = 0.5
	// latencySpikeFactor fires when recent average resolution time exceeds
	// the baseline by this multiple.
	latencySpikeFactor = 2.0
)

// Alerter evaluates remediation metrics against thresholds and raises
// critical alerts with a per-alert cooldown.
type Alerter struct {
	store    storage.Storage
	notifier notify.Notifier
	clock    clock.Clock
	cooldown time.Duration

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// NewAlerter creates an alerter.
func NewAlerter(store storage.Storage, notifier notify.Notifier, clk clock.Clock, cooldown time.Duration) (*Alerter, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Alerter{
		store:     store,
		notifier:  notifier,
		clock:     clk,
		cooldown:  cooldown,
		lastFired: make(map[string]time.Time),
	}, nil
}

// Evaluate runs all threshold rules once and returns the alert keys that
// fired. Rules compare the trailing day against a trailing-week baseline.
func (a *Alerter) Evaluate(ctx context.Context) ([]string, error) {
	now := a.clock.Now()
	recent, err := a.store.ListMetrics(ctx, storage.MetricFilter{Since: now.Add(-recentWindow)})
	if err != nil {
		return nil, err
	}
	week, err := a.store.ListMetrics(ctx, storage.MetricFilter{Since: now.Add(-baselineWindow)})
	if err != nil {
		return nil, err
	}
	// The baseline excludes the evaluation window so a bad day cannot mask
	// itself.
	cutoff := now.Add(-recentWindow)
	var baseline []*types.RemediationMetric
	for _, m := range week {
		if m.RecordedAt.Before(cutoff) {
			baseline = append(baseline, m)
		}
	}

	var fired []string
	if key, msg, ok := a.successRateRule(recent); ok {
		if a.fire(ctx, key, "Remediation success rate dropped", msg, now) {
			fired = append(fired, key)
		}
	}
	if key, msg, ok := a.latencySpikeRule(recent, baseline); ok {
		if a.fire(ctx, key, "Resolution time spiked", msg, now) {
			fired = append(fired, key)
		}
	}
	return fired, nil
}

func (a *Alerter) successRateRule(recent []*types.RemediationMetric) (string, string, bool) {
	if len(recent) < minSamples {
		return "", "", false
	}
	var succeeded int
	for _, m := range recent {
		if m.Success {
			succeeded++
		}
	}
	rate := float64(succeeded) / float64(len(recent))
	if rate >= successRateFloor {
		return "", "", false
	}
	return "success_rate_drop", fmt.Sprintf("success rate %.0f%% over the last 24h (%d of %d remediations)",
		rate*100, succeeded, len(recent)), true
}

func (a *Alerter) latencySpikeRule(recent, baseline []*types.RemediationMetric) (string, string, bool) {
	if len(recent) < minSamples || len(baseline) < minSamples {
		return "", "", false
	}
	recentAvg := avgLatency(recent)
	baselineAvg := avgLatency(baseline)
	if baselineAvg <= 0 || recentAvg < baselineAvg*latencySpikeFactor {
		return "", "", false
	}
	return "resolution_time_spike", fmt.Sprintf("average resolution time %.0fs vs %.0fs baseline",
		recentAvg/1000, baselineAvg/1000), true
}

func avgLatency(ms []*types.RemediationMetric) float64 {
	var sum int64
	for _, m := range ms {
		sum += m.TotalLatencyMS
	}
	return float64(sum) / float64(len(ms))
}

// fire sends the alert unless its cooldown is still running.
func (a *Alerter) fire(ctx context.Context, key, title, detail string, now time.Time) bool {
	a.mu.Lock()
	last, seen := a.lastFired[key]
	if seen && now.Sub(last) < a.cooldown {
		a.mu.Unlock()
		return false
	}
	a.lastFired[key] = now
	a.mu.Unlock()

	if err := a.notifier.CriticalAlert(ctx, title, detail); err != nil {
		// Allow a retry on the next evaluation.
		a.mu.Lock()
		delete(a.lastFired, key)
		a.mu.Unlock()
		return false
	}
	return true
}
