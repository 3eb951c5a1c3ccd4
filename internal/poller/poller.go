// Package poller discovers failed workflow runs and turns them into Failure
// records, exactly once per (repository, run).
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remedyops/remedy/internal/audit"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/notify"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
	"github.com/remedyops/remedy/internal/vcs"
)

const (
	// DefaultInterval is the base polling cadence per repository.
	DefaultInterval = 5 * time.Minute
	// jitterFraction spreads ticks so repos do not poll in lockstep.
	jitterFraction = 0.10
	// MaxLogTail bounds how much log text is attached to a failure.
	MaxLogTail = 256 * 1024

	backoffInitial = time.Second
	backoffMax     = time.Minute
)

// Poller watches one set of repositories for failed runs.
type Poller struct {
	store    storage.Storage
	vcs      vcs.Client
	notifier notify.Notifier
	audit    *audit.Recorder
	clock    clock.Clock
	interval time.Duration
}

// Config configures the poller.
type Config struct {
	Storage  storage.Storage
	VCS      vcs.Client
	Notifier notify.Notifier
	Audit    *audit.Recorder
	Clock    clock.Clock
	Interval time.Duration
}

// New creates a poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.VCS == nil {
		return nil, fmt.Errorf("vcs client is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("audit recorder is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Poller{
		store:    cfg.Storage,
		vcs:      cfg.VCS,
		notifier: cfg.Notifier,
		audit:    cfg.Audit,
		clock:    cfg.Clock,
		interval: cfg.Interval,
	}, nil
}

// PollOnce fetches failed runs since the given instant and persists the ones
// not seen before. Returns the newly created failures.
func (p *Poller) PollOnce(ctx context.Context, repository string, since time.Time) ([]*types.Failure, error) {
	runs, err := p.vcs.ListFailedRuns(ctx, repository, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for %s: %w", repository, err)
	}

	var created []*types.Failure
	for _, run := range runs {
		exists, err := p.store.FailureExists(ctx, repository, run.ID)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		logs, reason := p.fetchLogs(ctx, repository, run)
		now := p.clock.Now()
		f := &types.Failure{
			FailureID:     uuid.New().String(),
			Repository:    repository,
			Branch:        run.HeadBranch,
			WorkflowName:  run.WorkflowName,
			WorkflowRunID: run.ID,
			CommitSHA:     run.HeadSHA,
			FailureReason: reason,
			Logs:          logs,
			Status:        types.StatusDetected,
			DetectedAt:    now,
			UpdatedAt:     now,
		}
		if err := p.store.CreateFailure(ctx, f); err != nil {
			return created, fmt.Errorf("failed to persist failure for run %d: %w", run.ID, err)
		}
		// The failure is persisted; notification and audit problems must
		// not strand it.
		if err := p.notifier.FailureDetected(ctx, f); err != nil {
			slog.Warn("failure notification not delivered", "failure_id", f.FailureID, "error", err)
		}
		if err := p.audit.Record(ctx, audit.ActorAgent, "failure_detected", f.FailureID, types.OutcomePending, map[string]string{
			"repository": repository,
			"workflow":   run.WorkflowName,
			"run_id":     fmt.Sprintf("%d", run.ID),
			"branch":     run.HeadBranch,
		}); err != nil {
			slog.Warn("failure audit entry not recorded", "failure_id", f.FailureID, "error", err)
		}
		created = append(created, f)
	}
	return created, nil
}

// fetchLogs pulls the bounded tail and derives a failure reason. Expired logs
// are tolerated: the run is still remediable from its metadata.
func (p *Poller) fetchLogs(ctx context.Context, repository string, run vcs.WorkflowRun) (logs, reason string) {
	logs, err := p.vcs.GetRunLogTail(ctx, repository, run.ID, MaxLogTail)
	if errors.Is(err, vcs.ErrLogsExpired) || err != nil {
		return "", fmt.Sprintf("workflow %s failed (logs unavailable)", run.WorkflowName)
	}
	reason = ExtractReason(logs)
	if reason == "" {
		reason = fmt.Sprintf("workflow %s failed", run.WorkflowName)
	}
	return logs, reason
}

// Run polls the repository until ctx cancels, sending each new failure to
// out. Tick spacing carries jitter; VCS errors back off exponentially with
// full jitter and recover on the next success.
func (p *Poller) Run(ctx context.Context, repository string, out chan<- *types.Failure) error {
	since := p.clock.Now().Add(-p.interval)
	backoff := backoffInitial

	for {
		pollStart := p.clock.Now()
		failures, err := p.PollOnce(ctx, repository, since)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fullJitter(backoff)):
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = backoffInitial
		since = pollStart

		for _, f := range failures {
			select {
			case out <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(p.interval)):
		}
	}
}

// ExtractReason pulls a failure reason from log text: the first line carrying
// an error keyword, otherwise the last 40 non-empty lines joined.
func ExtractReason(logs string) string {
	if logs == "" {
		return ""
	}
	keywords := []string{"error", "failed", "timeout", "exception", "fatal", "panic", "segfault", "oom"}
	var nonEmpty []string
	for _, line := range strings.Split(logs, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			nonEmpty = append(nonEmpty, trimmed)
		}
	}
	for _, line := range nonEmpty {
		lower := strings.ToLower(line)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return truncate(line, 300)
			}
		}
	}
	if len(nonEmpty) > 40 {
		nonEmpty = nonEmpty[len(nonEmpty)-40:]
	}
	return truncate(strings.Join(nonEmpty, "\n"), 2000)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// jittered spreads d by ±jitterFraction.
func jittered(d time.Duration) time.Duration {
	spread := float64(d) * jitterFraction
	return time.Duration(float64(d) - spread + 2*spread*rand.Float64())
}

// fullJitter draws uniformly from (0, d].
func fullJitter(d time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(d))) + 1
}
