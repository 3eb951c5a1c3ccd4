// Package healthcheck verifies remediations after the fact and triggers
// rollback when the fix made things worse.
package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/remedyops/remedy/internal/audit"
	"github.com/remedyops/remedy/internal/circuit"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/notify"
	"github.com/remedyops/remedy/internal/patterns"
	"github.com/remedyops/remedy/internal/snapshot"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
	"github.com/remedyops/remedy/internal/vcs"
)

// Checker executes due health checks. Each check resolves exactly once; the
// store enforces that with a guarded update, so a crashed run is simply
// re-executed on recovery.
type Checker struct {
	store     storage.Storage
	vcs       vcs.Client
	snapshots *snapshot.Manager
	breaker   *circuit.Breaker
	memory    *patterns.Memory
	notifier  notify.Notifier
	audit     *audit.Recorder
	clock     clock.Clock
	fixBranch func(remediationID string) string
}

// Config configures the checker.
type Config struct {
	Storage   storage.Storage
	VCS       vcs.Client
	Snapshots *snapshot.Manager
	Breaker   *circuit.Breaker
	Memory    *patterns.Memory
	Notifier  notify.Notifier
	Audit     *audit.Recorder
	Clock     clock.Clock
	// FixBranch maps a remediation to its fix branch name. Defaults to the
	// executor's convention when nil.
	FixBranch func(remediationID string) string
}

// New creates a checker.
func New(cfg Config) (*Checker, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.VCS == nil {
		return nil, fmt.Errorf("vcs client is required")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot manager is required")
	}
	if cfg.Breaker == nil {
		return nil, fmt.Errorf("circuit breaker is required")
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
	if cfg.FixBranch == nil {
		cfg.FixBranch = func(id string) string { return "remedy/fix-" + id }
	}
	return &Checker{
		store:     cfg.Storage,
		vcs:       cfg.VCS,
		snapshots: cfg.Snapshots,
		breaker:   cfg.Breaker,
		memory:    cfg.Memory,
		notifier:  cfg.Notifier,
		audit:     cfg.Audit,
		clock:     cfg.Clock,
		fixBranch: cfg.FixBranch,
	}, nil
}

// Due returns pending checks whose scheduled time has passed.
func (c *Checker) Due(ctx context.Context) ([]*types.HealthCheck, error) {
	pending, err := c.store.ListPendingHealthChecks(ctx)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	var due []*types.HealthCheck
	for _, hc := range pending {
		if !hc.ScheduledAt.After(now) {
			due = append(due, hc)
		}
	}
	return due, nil
}

// Execute runs one health check end to end: evaluate the rule set, then on
// failure roll back, trip the circuit trial, and alert; on success close the
// trial and store the learned pattern. Returns whether the check passed.
func (c *Checker) Execute(ctx context.Context, hc *types.HealthCheck) (bool, error) {
	f, err := c.store.GetFailure(ctx, hc.RemediationID)
	if err != nil {
		return false, fmt.Errorf("health check %s has no failure record: %w", hc.CheckID, err)
	}
	snap, err := c.store.GetSnapshot(ctx, hc.SnapshotID)
	if err != nil {
		return false, fmt.Errorf("health check %s has no snapshot: %w", hc.CheckID, err)
	}

	checks := c.evaluate(ctx, f, snap)
	passed := true
	for _, r := range checks {
		passed = passed && r.Passed
	}

	now := c.clock.Now()
	hc.ExecutedAt = &now
	hc.Passed = &passed
	hc.Checks = checks

	if passed {
		return true, c.onPassed(ctx, hc, f, snap)
	}
	return false, c.onFailed(ctx, hc, f, snap)
}

// evaluate runs the rule set. Rules never error the check; an unreadable
// signal is reported as a failed rule so the conservative path wins.
func (c *Checker) evaluate(ctx context.Context, f *types.Failure, snap *types.Snapshot) []types.CheckResult {
	var checks []types.CheckResult

	runs, err := c.vcs.ListRecentRuns(ctx, f.Repository, f.Branch, snap.CreatedAt)
	switch {
	case err != nil:
		checks = append(checks, types.CheckResult{
			Name:    "workflow_health",
			Message: fmt.Sprintf("could not list runs on %s: %v", f.Branch, err),
		})
	default:
		result := types.CheckResult{Name: "workflow_health", Passed: true, Message: "no new failing runs"}
		for _, r := range runs {
			if r.Conclusion == "failure" {
				result.Passed = false
				result.Message = fmt.Sprintf("workflow %s failed on %s after remediation", r.WorkflowName, f.Branch)
				break
			}
		}
		checks = append(checks, result)
	}

	prCheck := types.CheckResult{Name: "pr_present", Passed: f.PRNumber > 0}
	if prCheck.Passed {
		prCheck.Message = fmt.Sprintf("PR #%d open", f.PRNumber)
	} else {
		prCheck.Message = "no PR recorded for remediation"
	}
	checks = append(checks, prCheck)

	// Regressions that surfaced as fresh failure records on the same branch
	// count against the remediation even when the workflow run itself is not
	// visible yet.
	recent, err := c.store.ListFailures(ctx, storage.FailureFilter{
		Repository: f.Repository,
		Since:      snap.CreatedAt,
	})
	if err != nil {
		checks = append(checks, types.CheckResult{
			Name:    "no_new_failures",
			Message: fmt.Sprintf("could not query failures: %v", err),
		})
		return checks
	}
	result := types.CheckResult{Name: "no_new_failures", Passed: true, Message: "no correlated failures detected"}
	for _, nf := range recent {
		if nf.FailureID != f.FailureID && nf.Branch == f.Branch {
			result.Passed = false
			result.Message = fmt.Sprintf("new failure %s detected on %s", nf.FailureID, nf.Branch)
			break
		}
	}
	checks = append(checks, result)
	return checks
}

func (c *Checker) onPassed(ctx context.Context, hc *types.HealthCheck, f *types.Failure, snap *types.Snapshot) error {
	if err := c.store.ResolveHealthCheck(ctx, hc); err != nil {
		return err
	}
	if err := c.store.UpdateFailureStatus(ctx, f.FailureID, types.StatusRemediated, "health check passed"); err != nil {
		return err
	}
	if err := c.breaker.OnTrialSuccess(ctx, f.Repository, f.Branch, f.FailureReason); err != nil {
		return err
	}
	if err := c.recordPattern(ctx, f, snap, true); err != nil {
		return err
	}
	if err := c.notifier.RemediationOutcome(ctx, f, true, "health check passed"); err != nil {
		slog.Warn("outcome notification not delivered", "failure_id", f.FailureID, "error", err)
	}
	return c.audit.Record(ctx, audit.ActorAgent, "health_check", f.FailureID, types.OutcomeSuccess, map[string]string{
		"check_id": hc.CheckID,
	})
}

func (c *Checker) onFailed(ctx context.Context, hc *types.HealthCheck, f *types.Failure, snap *types.Snapshot) error {
	hc.TriggeredRollback = true
	if err := c.store.ResolveHealthCheck(ctx, hc); err != nil {
		return err
	}

	partial, outcomes, rbErr := c.snapshots.Rollback(ctx, snap, c.fixBranch(f.FailureID))

	details := map[string]string{"check_id": hc.CheckID, "action": "rollback"}
	outcome := types.OutcomeSuccess
	if partial {
		outcome = types.OutcomeFailure
		details["partial"] = "true"
	}
	for _, o := range outcomes {
		note := "restored"
		if !o.Written {
			note = o.Note
		}
		details["file:"+o.Path] = note
	}
	if err := c.audit.Record(ctx, audit.ActorAgent, "rollback", f.FailureID, outcome, details); err != nil {
		return err
	}
	if rbErr != nil {
		return fmt.Errorf("rollback of %s failed: %w", f.FailureID, rbErr)
	}

	if err := c.store.UpdateFailureStatus(ctx, f.FailureID, types.StatusRolledBack, failedRuleSummary(hc.Checks)); err != nil {
		return err
	}
	if err := c.breaker.OnTrialFailure(ctx, f.Repository, f.Branch, f.FailureReason); err != nil {
		return err
	}
	if err := c.recordPattern(ctx, f, snap, false); err != nil {
		return err
	}
	alert := fmt.Sprintf("Remediation for %s rolled back: %s", f.Repository, failedRuleSummary(hc.Checks))
	if partial {
		alert += " (partial rollback, manual review required)"
	}
	if err := c.notifier.CriticalAlert(ctx, "Health check failed", alert); err != nil {
		slog.Warn("rollback alert not delivered", "failure_id", f.FailureID, "error", err)
	}
	if err := c.notifier.RemediationOutcome(ctx, f, false, failedRuleSummary(hc.Checks)); err != nil {
		slog.Warn("outcome notification not delivered", "failure_id", f.FailureID, "error", err)
	}
	return nil
}

// recordPattern stores the confirmed outcome in pattern memory. Memory is
// optional; a nil memory skips learning.
func (c *Checker) recordPattern(ctx context.Context, f *types.Failure, snap *types.Snapshot, success bool) error {
	if c.memory == nil {
		return nil
	}
	a, err := c.store.GetAnalysis(ctx, f.FailureID)
	if err != nil {
		return nil
	}
	resolution := c.clock.Now().Sub(f.DetectedAt)
	if resolution < 0 {
		resolution = 0
	}
	return c.memory.Record(ctx, &types.Pattern{
		Repository:       f.Repository,
		Branch:           f.Branch,
		FailureReason:    f.FailureReason,
		Category:         a.Category,
		ProposedFix:      a.ProposedFix,
		FilesModified:    a.FilesToModify,
		FixCommands:      a.FixCommands,
		FixSuccessful:    success,
		RiskScore:        a.RiskScore,
		ResolutionTimeMS: resolution.Milliseconds(),
		CreatedAt:        c.clock.Now(),
	})
}

func failedRuleSummary(checks []types.CheckResult) string {
	var failed []string
	for _, r := range checks {
		if !r.Passed {
			failed = append(failed, r.Message)
		}
	}
	if len(failed) == 0 {
		return "health check failed"
	}
	return strings.Join(failed, "; ")
}
