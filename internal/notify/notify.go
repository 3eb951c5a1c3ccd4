// Package notify delivers operator-facing notifications for remediation
// lifecycle events.
package notify

import (
	"context"

	"github.com/remedyops/remedy/internal/types"
)

// Notifier is the outbound notification surface. Implementations must be safe
// for concurrent use; delivery failures are logged by callers, never fatal.
type Notifier interface {
	// FailureDetected announces a newly detected failure before analysis.
	FailureDetected(ctx context.Context, f *types.Failure) error

	// AnalysisComplete reports the classification and the gate verdict.
	AnalysisComplete(ctx context.Context, f *types.Failure, a *types.Analysis, d *types.GateDecision) error

	// ApprovalRequested asks a human to approve or reject a gated remediation.
	ApprovalRequested(ctx context.Context, r *types.ApprovalRequest, a *types.Analysis) error

	// RemediationOutcome reports final success, rollback, or failure.
	RemediationOutcome(ctx context.Context, f *types.Failure, success bool, detail string) error

	// DeveloperEscalation hands a developer-class failure to humans with the
	// analysis attached.
	DeveloperEscalation(ctx context.Context, f *types.Failure, a *types.Analysis) error

	// CriticalAlert raises an out-of-band operational alert (metric breach,
	// circuit storm).
	CriticalAlert(ctx context.Context, title, detail string) error

	// WeeklyReport posts the weekly health summary.
	WeeklyReport(ctx context.Context, report string) error
}

// Noop discards all notifications. Used in dry-run and tests.
type Noop struct{}

func (Noop) FailureDetected(context.Context, *types.Failure) error { return nil }
func (Noop) AnalysisComplete(context.Context, *types.Failure, *types.Analysis, *types.GateDecision) error {
	return nil
}
func (Noop) ApprovalRequested(context.Context, *types.ApprovalRequest, *types.Analysis) error {
	return nil
}
func (Noop) RemediationOutcome(context.Context, *types.Failure, bool, string) error { return nil }
func (Noop) DeveloperEscalation(context.Context, *types.Failure, *types.Analysis) error {
	return nil
}
func (Noop) CriticalAlert(context.Context, string, string) error { return nil }
func (Noop) WeeklyReport(context.Context, string) error          { return nil }
