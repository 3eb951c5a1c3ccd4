// Package executor applies an approved fix: snapshot, branch from the failing
// ref, edit files, open a PR against the failing branch, schedule a health
// check.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/remedyops/remedy/internal/audit"
	"github.com/remedyops/remedy/internal/classifier"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/snapshot"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
	"github.com/remedyops/remedy/internal/vcs"
)

// DefaultHealthCheckDelay is how long after PR creation the health check runs.
const DefaultHealthCheckDelay = 5 * time.Minute

// ErrNoApplicableFix means the model produced no usable edit for any target
// file. The fix branch is removed and the failure routes to failed.
var ErrNoApplicableFix = errors.New("no applicable fix produced")

// FixBranch is the branch naming convention for remediations. The health
// checker derives the rollback target from it.
func FixBranch(failureID string) string {
	return "remedy/fix-" + failureID
}

// Result is what a successful execution produced. The health check is
// scheduled separately once the remediation is cleared to proceed, so gated
// PRs are not verified before a human has acted.
type Result struct {
	Branch       string
	PR           *vcs.PullRequest
	SnapshotID   string
	FilesChanged []string
}

// Executor drives the apply path.
type Executor struct {
	store       storage.Storage
	vcs         vcs.Client
	classifier  *classifier.Classifier
	snapshots   *snapshot.Manager
	audit       *audit.Recorder
	clock       clock.Clock
	healthDelay time.Duration
}

// Config configures the executor.
type Config struct {
	Storage          storage.Storage
	VCS              vcs.Client
	Classifier       *classifier.Classifier
	Snapshots        *snapshot.Manager
	Audit            *audit.Recorder
	Clock            clock.Clock
	HealthCheckDelay time.Duration
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.VCS == nil {
		return nil, fmt.Errorf("vcs client is required")
	}
	if cfg.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot manager is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("audit recorder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.HealthCheckDelay <= 0 {
		cfg.HealthCheckDelay = DefaultHealthCheckDelay
	}
	return &Executor{
		store:       cfg.Storage,
		vcs:         cfg.VCS,
		classifier:  cfg.Classifier,
		snapshots:   cfg.Snapshots,
		audit:       cfg.Audit,
		clock:       cfg.Clock,
		healthDelay: cfg.HealthCheckDelay,
	}, nil
}

// Execute applies the analysis's proposed fix. The fix branch is cut from the
// failing commit and the PR targets the failing branch, never the repository
// default.
func (e *Executor) Execute(ctx context.Context, f *types.Failure, a *types.Analysis) (*Result, error) {
	if len(a.FilesToModify) == 0 {
		return nil, fmt.Errorf("%w: analysis names no files to modify", ErrNoApplicableFix)
	}
	if f.Branch == "" {
		return nil, fmt.Errorf("failure %s has no branch", f.FailureID)
	}
	if f.CommitSHA == "" {
		return nil, fmt.Errorf("failure %s has no commit sha", f.FailureID)
	}

	snap, err := e.snapshots.Capture(ctx, f, a.FilesToModify)
	if err != nil {
		return nil, fmt.Errorf("remediation aborted: %w", err)
	}

	branch := FixBranch(f.FailureID)
	if def, derr := e.vcs.DefaultBranch(ctx, f.Repository); derr == nil && branch == def {
		return nil, fmt.Errorf("fix branch %q collides with the default branch", branch)
	}
	if err := e.vcs.CreateBranch(ctx, f.Repository, branch, f.CommitSHA); err != nil {
		return nil, fmt.Errorf("failed to create fix branch %s: %w", branch, err)
	}

	changed, err := e.applyEdits(ctx, f, a, branch)
	if err != nil {
		e.discardBranch(ctx, f.Repository, branch)
		return nil, err
	}
	if len(changed) == 0 {
		e.discardBranch(ctx, f.Repository, branch)
		return nil, ErrNoApplicableFix
	}

	pr, err := e.vcs.CreatePullRequest(ctx, f.Repository,
		prTitle(f, a), prBody(f, a, changed, snap), branch, f.Branch)
	if err != nil {
		e.discardBranch(ctx, f.Repository, branch)
		return nil, fmt.Errorf("failed to open pull request: %w", err)
	}
	if err := e.store.SetFailurePR(ctx, f.FailureID, pr.Number, pr.URL); err != nil {
		return nil, fmt.Errorf("pr opened but failure record update failed: %w", err)
	}
	f.PRNumber = pr.Number
	f.PRURL = pr.URL

	if err := e.audit.Record(ctx, audit.ActorAgent, "remediation_pr_opened", f.FailureID, types.OutcomePending, map[string]string{
		"repository": f.Repository,
		"branch":     branch,
		"base":       f.Branch,
		"pr":         fmt.Sprintf("%d", pr.Number),
		"files":      strings.Join(changed, ","),
	}); err != nil {
		return nil, err
	}

	return &Result{
		Branch:       branch,
		PR:           pr,
		SnapshotID:   snap.SnapshotID,
		FilesChanged: changed,
	}, nil
}

// applyEdits generates and commits a fix per target file. Files the model
// cannot improve are skipped; a hard model error aborts the remediation.
func (e *Executor) applyEdits(ctx context.Context, f *types.Failure, a *types.Analysis, branch string) ([]string, error) {
	var changed []string
	for _, path := range a.FilesToModify {
		current, blobSHA, err := e.vcs.GetFileContent(ctx, f.Repository, path, branch)
		if errors.Is(err, vcs.ErrFileNotFound) {
			current, blobSHA = nil, ""
		} else if err != nil {
			return nil, fmt.Errorf("failed to read %s on %s: %w", path, branch, err)
		}

		fixed, skip, err := e.classifier.GenerateFileFix(ctx, f, a, path, current)
		if err != nil {
			return nil, fmt.Errorf("fix generation failed for %s: %w", path, err)
		}
		if skip {
			continue
		}

		msg := fmt.Sprintf("Fix %s: %s", f.WorkflowName, truncate(a.ProposedFix, 60))
		if err := e.vcs.CommitFile(ctx, f.Repository, branch, msg, vcs.FileChange{
			Path:    path,
			Content: fixed,
			SHA:     blobSHA,
		}); err != nil {
			return nil, fmt.Errorf("failed to commit %s: %w", path, err)
		}
		changed = append(changed, path)
	}
	return changed, nil
}

// ScheduleHealthCheck arms the post-remediation verification for a PR that is
// cleared to proceed. Called right after the auto-apply PR opens, or after an
// approval resolves in favor.
func (e *Executor) ScheduleHealthCheck(ctx context.Context, f *types.Failure, snapshotID string) (*types.HealthCheck, error) {
	hc := &types.HealthCheck{
		CheckID:       ulid.Make().String(),
		RemediationID: f.FailureID,
		SnapshotID:    snapshotID,
		Repository:    f.Repository,
		Branch:        f.Branch,
		ScheduledAt:   e.clock.Now().Add(e.healthDelay),
	}
	if err := e.store.StoreHealthCheck(ctx, hc); err != nil {
		return nil, fmt.Errorf("failed to schedule health check: %w", err)
	}
	return hc, nil
}

// discardBranch is best-effort cleanup on abort.
func (e *Executor) discardBranch(ctx context.Context, repository, branch string) {
	_ = e.vcs.DeleteBranch(ctx, repository, branch)
}

func prTitle(f *types.Failure, a *types.Analysis) string {
	return fmt.Sprintf("fix(%s): %s", a.Category, truncate(f.FailureReason, 72))
}

func prBody(f *types.Failure, a *types.Analysis, changed []string, snap *types.Snapshot) string {
	var b strings.Builder
	b.WriteString("## Automated remediation\n\n")
	fmt.Fprintf(&b, "Workflow **%s** (run %d) failed on `%s` at `%s`.\n\n",
		f.WorkflowName, f.WorkflowRunID, f.Branch, shortSHA(f.CommitSHA))
	fmt.Fprintf(&b, "> %s\n\n", f.FailureReason)
	b.WriteString("### Analysis\n\n")
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Category | %s |\n", a.Category)
	fmt.Fprintf(&b, "| Error type | %s |\n", a.ErrorType)
	fmt.Fprintf(&b, "| Risk score | %d/10 |\n", a.RiskScore)
	fmt.Fprintf(&b, "| Confidence | %d%% |\n", a.Confidence)
	fmt.Fprintf(&b, "| Effort | %s |\n\n", a.Effort)
	fmt.Fprintf(&b, "**Proposed fix.** %s\n\n", a.ProposedFix)
	if a.Reasoning != "" {
		fmt.Fprintf(&b, "**Reasoning.** %s\n\n", a.Reasoning)
	}
	b.WriteString("### Files changed\n\n")
	for _, path := range changed {
		fmt.Fprintf(&b, "- `%s`\n", path)
	}
	fmt.Fprintf(&b, "\nPre-change state is captured in snapshot `%s`; a health check runs shortly after merge and rolls back automatically on regression.\n", snap.SnapshotID)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
