// Package approval routes gated remediations through a human checkpoint built
// on deployment environment reviews.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/remedyops/remedy/internal/audit"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/notify"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
	"github.com/remedyops/remedy/internal/vcs"
)

const (
	// DefaultEnvironment is the review-gated deployment environment name.
	DefaultEnvironment = "auto-remediation-approval"
	// DefaultTimeout expires unanswered approval requests.
	DefaultTimeout = 24 * time.Hour
	// DefaultPollInterval spaces deployment status checks while awaiting.
	DefaultPollInterval = 30 * time.Second
)

// Reviewers holds the reviewer pools for one repository.
type Reviewers struct {
	Senior []string `yaml:"senior"`
	Team   []string `yaml:"team"`
}

// Manager creates and resolves approval requests.
type Manager struct {
	store        storage.Storage
	vcs          vcs.Client
	notifier     notify.Notifier
	audit        *audit.Recorder
	clock        clock.Clock
	environment  string
	timeout      time.Duration
	pollInterval time.Duration
	reviewers    map[string]Reviewers
}

// Config configures the manager. Reviewers maps "owner/name" to its pools; a
// repository without an entry gets no reviewer requests, only the deployment
// gate.
type Config struct {
	Storage      storage.Storage
	VCS          vcs.Client
	Notifier     notify.Notifier
	Audit        *audit.Recorder
	Clock        clock.Clock
	Environment  string
	Timeout      time.Duration
	PollInterval time.Duration
	Reviewers    map[string]Reviewers
}

// New creates a manager.
func New(cfg Config) (*Manager, error) {
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
	if cfg.Environment == "" {
		cfg.Environment = DefaultEnvironment
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Manager{
		store:        cfg.Storage,
		vcs:          cfg.VCS,
		notifier:     cfg.Notifier,
		audit:        cfg.Audit,
		clock:        cfg.Clock,
		environment:  cfg.Environment,
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		reviewers:    cfg.Reviewers,
	}, nil
}

// SelectReviewers applies the risk ladder: high risk wants two senior
// reviewers, moderate risk one, anything else a team member.
func SelectReviewers(riskScore int, pools Reviewers) []string {
	switch {
	case riskScore >= 8:
		return pickWithFallback(pools.Senior, pools.Team, 2)
	case riskScore >= 5:
		return pickWithFallback(pools.Senior, pools.Team, 1)
	default:
		return pickWithFallback(pools.Team, pools.Senior, 1)
	}
}

func pickWithFallback(primary, fallback []string, n int) []string {
	out := make([]string, 0, n)
	out = append(out, primary...)
	if len(out) < n {
		out = append(out, fallback...)
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Request creates the approval checkpoint for a gated remediation: a
// deployment into the review environment, reviewer requests sized by risk, and
// a structured PR comment.
func (m *Manager) Request(ctx context.Context, f *types.Failure, a *types.Analysis, fixBranch, gateReason string) (*types.ApprovalRequest, error) {
	if f.PRNumber == 0 {
		return nil, fmt.Errorf("failure %s has no open PR to gate", f.FailureID)
	}

	deploymentID, err := m.vcs.CreateDeployment(ctx, f.Repository, fixBranch, m.environment,
		fmt.Sprintf("Approve remediation for %s run %d", f.WorkflowName, f.WorkflowRunID))
	if err != nil {
		return nil, fmt.Errorf("failed to create approval deployment: %w", err)
	}

	reviewers := SelectReviewers(a.RiskScore, m.reviewers[f.Repository])
	if len(reviewers) > 0 {
		if err := m.vcs.RequestReviewers(ctx, f.Repository, f.PRNumber, reviewers); err != nil {
			return nil, fmt.Errorf("failed to request reviewers: %w", err)
		}
	}
	if err := m.vcs.CreateComment(ctx, f.Repository, f.PRNumber, approvalComment(f, a, gateReason, reviewers, m.environment)); err != nil {
		return nil, fmt.Errorf("failed to post approval comment: %w", err)
	}

	now := m.clock.Now()
	req := &types.ApprovalRequest{
		RequestID:         ulid.Make().String(),
		FailureID:         f.FailureID,
		Repository:        f.Repository,
		PRNumber:          f.PRNumber,
		DeploymentID:      deploymentID,
		EnvironmentName:   m.environment,
		RequiredReviewers: reviewers,
		Status:            types.ApprovalPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.timeout),
	}
	if err := m.store.StoreApprovalRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist approval request: %w", err)
	}
	if err := m.notifier.ApprovalRequested(ctx, req, a); err != nil {
		slog.Warn("approval notification not delivered", "request_id", req.RequestID, "error", err)
	}
	if err := m.audit.Record(ctx, audit.ActorAgent, "approval_requested", f.FailureID, types.OutcomePending, map[string]string{
		"request_id": req.RequestID,
		"reviewers":  strings.Join(reviewers, ","),
		"risk_score": fmt.Sprintf("%d", a.RiskScore),
	}); err != nil {
		return nil, err
	}
	return req, nil
}

// Poll checks the deployment state once and resolves the request if a human
// has acted or the window has lapsed. Returns the request's current status.
func (m *Manager) Poll(ctx context.Context, req *types.ApprovalRequest) (types.ApprovalStatus, error) {
	if req.Status != types.ApprovalPending {
		return req.Status, nil
	}

	state, err := m.vcs.GetDeploymentState(ctx, req.Repository, req.DeploymentID)
	if err != nil {
		return req.Status, fmt.Errorf("failed to poll deployment %d: %w", req.DeploymentID, err)
	}

	now := m.clock.Now()
	switch state {
	case vcs.DeploymentApproved:
		return m.resolve(ctx, req, types.ApprovalApproved, "reviewer", now)
	case vcs.DeploymentRejected:
		return m.resolve(ctx, req, types.ApprovalRejected, "reviewer", now)
	}
	if !now.Before(req.ExpiresAt) {
		return m.resolve(ctx, req, types.ApprovalExpired, audit.ActorSystem, now)
	}
	return types.ApprovalPending, nil
}

func (m *Manager) resolve(ctx context.Context, req *types.ApprovalRequest, status types.ApprovalStatus, by string, at time.Time) (types.ApprovalStatus, error) {
	if err := m.store.ResolveApprovalRequest(ctx, req.RequestID, status, by, at); err != nil {
		return req.Status, err
	}
	req.Status = status
	req.ResolvedAt = &at
	req.ResolvedBy = by

	outcome := types.OutcomeSuccess
	if status != types.ApprovalApproved {
		outcome = types.OutcomeFailure
	}
	if err := m.audit.Record(ctx, by, "approval_resolved", req.FailureID, outcome, map[string]string{
		"request_id": req.RequestID,
		"status":     string(status),
	}); err != nil {
		return status, err
	}
	return status, nil
}

// ClosePR closes the remediation PR after a rejection or expiry.
func (m *Manager) ClosePR(ctx context.Context, f *types.Failure) error {
	if f.PRNumber == 0 {
		return nil
	}
	if err := m.vcs.CreateComment(ctx, f.Repository, f.PRNumber,
		"Closing: the approval checkpoint was not passed."); err != nil {
		return err
	}
	return m.vcs.ClosePullRequest(ctx, f.Repository, f.PRNumber)
}

// Await polls until the request resolves, the window lapses, or ctx cancels.
func (m *Manager) Await(ctx context.Context, req *types.ApprovalRequest) (types.ApprovalStatus, error) {
	for {
		status, err := m.Poll(ctx, req)
		if err != nil {
			return status, err
		}
		if status != types.ApprovalPending {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return types.ApprovalPending, ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

func approvalComment(f *types.Failure, a *types.Analysis, gateReason string, reviewers []string, environment string) string {
	var b strings.Builder
	b.WriteString("## Approval required\n\n")
	fmt.Fprintf(&b, "This remediation was held by the safety gate: **%s**\n\n", gateReason)
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Repository | %s |\n", f.Repository)
	fmt.Fprintf(&b, "| Category | %s |\n", a.Category)
	fmt.Fprintf(&b, "| Risk score | %d/10 |\n", a.RiskScore)
	fmt.Fprintf(&b, "| Confidence | %d%% |\n\n", a.Confidence)
	fmt.Fprintf(&b, "**Proposed fix.** %s\n\n", a.ProposedFix)
	if len(reviewers) > 0 {
		fmt.Fprintf(&b, "Requested reviewers: %s\n\n", strings.Join(reviewers, ", "))
	}
	fmt.Fprintf(&b, "Approve or reject via the `%s` environment review.\n", environment)
	return b.String()
}
