// Package dryrun intercepts outbound side effects and records what would
// have happened.
package dryrun

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/remedyops/remedy/internal/signature"
	"github.com/remedyops/remedy/internal/types"
	"github.com/remedyops/remedy/internal/vcs"
)

// SimulatedAction is one intercepted side effect.
type SimulatedAction struct {
	Action string    `json:"action"`
	Target string    `json:"target"`
	Digest string    `json:"digest,omitempty"`
	At     time.Time `json:"at"`
}

// Recorder accumulates simulated actions for the end-of-run report.
type Recorder struct {
	mu      sync.Mutex
	actions []SimulatedAction
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(action, target string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := SimulatedAction{Action: action, Target: target, At: time.Now().UTC()}
	if len(payload) > 0 {
		a.Digest = signature.HashContent(payload)[:16]
	}
	r.actions = append(r.actions, a)
}

// Actions returns a copy of everything recorded so far.
func (r *Recorder) Actions() []SimulatedAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SimulatedAction, len(r.actions))
	copy(out, r.actions)
	return out
}

// Report renders the simulated actions as a human-readable summary.
func (r *Recorder) Report() string {
	actions := r.Actions()
	if len(actions) == 0 {
		return "dry-run: no side effects would have occurred\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "dry-run: %d side effect(s) intercepted\n", len(actions))
	for i, a := range actions {
		fmt.Fprintf(&b, "%3d. %-16s %s", i+1, a.Action, a.Target)
		if a.Digest != "" {
			fmt.Fprintf(&b, " (payload %s)", a.Digest)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// VCS wraps a real client: reads pass through, writes are intercepted.
type VCS struct {
	vcs.Client
	rec *Recorder
}

// NewVCS wraps real with interception recording into rec.
func NewVCS(real vcs.Client, rec *Recorder) *VCS {
	return &VCS{Client: real, rec: rec}
}

func (v *VCS) CreateBranch(_ context.Context, repository, name, fromSHA string) error {
	v.rec.record("create_branch", fmt.Sprintf("%s %s@%s", repository, name, fromSHA), nil)
	return nil
}

func (v *VCS) DeleteBranch(_ context.Context, repository, name string) error {
	v.rec.record("delete_branch", fmt.Sprintf("%s %s", repository, name), nil)
	return nil
}

func (v *VCS) CommitFile(_ context.Context, repository, branch, _ string, change vcs.FileChange) error {
	v.rec.record("commit_file", fmt.Sprintf("%s %s:%s", repository, branch, change.Path), change.Content)
	return nil
}

func (v *VCS) CreatePullRequest(_ context.Context, repository, title, body, head, base string) (*vcs.PullRequest, error) {
	v.rec.record("create_pr", fmt.Sprintf("%s %s -> %s: %s", repository, head, base, title), []byte(body))
	return &vcs.PullRequest{Number: -1, URL: "dry-run://pr"}, nil
}

func (v *VCS) ClosePullRequest(_ context.Context, repository string, number int) error {
	v.rec.record("close_pr", fmt.Sprintf("%s #%d", repository, number), nil)
	return nil
}

func (v *VCS) CreateComment(_ context.Context, repository string, number int, body string) error {
	v.rec.record("comment", fmt.Sprintf("%s #%d", repository, number), []byte(body))
	return nil
}

func (v *VCS) RequestReviewers(_ context.Context, repository string, number int, reviewers []string) error {
	v.rec.record("request_reviewers", fmt.Sprintf("%s #%d: %s", repository, number, strings.Join(reviewers, ",")), nil)
	return nil
}

func (v *VCS) CreateDeployment(_ context.Context, repository, ref, environment, _ string) (int64, error) {
	v.rec.record("create_deployment", fmt.Sprintf("%s %s env=%s", repository, ref, environment), nil)
	return -1, nil
}

// Notifier intercepts all outbound notifications.
type Notifier struct {
	rec *Recorder
}

// NewNotifier creates an intercepting notifier.
func NewNotifier(rec *Recorder) *Notifier {
	return &Notifier{rec: rec}
}

func (n *Notifier) FailureDetected(_ context.Context, f *types.Failure) error {
	n.rec.record("notify_detected", f.Repository, nil)
	return nil
}

func (n *Notifier) AnalysisComplete(_ context.Context, f *types.Failure, _ *types.Analysis, d *types.GateDecision) error {
	n.rec.record("notify_analysis", fmt.Sprintf("%s verdict=%s", f.Repository, d.Verdict), nil)
	return nil
}

func (n *Notifier) ApprovalRequested(_ context.Context, r *types.ApprovalRequest, _ *types.Analysis) error {
	n.rec.record("notify_approval", fmt.Sprintf("%s #%d", r.Repository, r.PRNumber), nil)
	return nil
}

func (n *Notifier) RemediationOutcome(_ context.Context, f *types.Failure, success bool, _ string) error {
	n.rec.record("notify_outcome", fmt.Sprintf("%s success=%t", f.Repository, success), nil)
	return nil
}

func (n *Notifier) DeveloperEscalation(_ context.Context, f *types.Failure, _ *types.Analysis) error {
	n.rec.record("notify_escalation", f.Repository, nil)
	return nil
}

func (n *Notifier) CriticalAlert(_ context.Context, title, _ string) error {
	n.rec.record("notify_critical", title, nil)
	return nil
}

func (n *Notifier) WeeklyReport(_ context.Context, _ string) error {
	n.rec.record("notify_weekly_report", "report", nil)
	return nil
}
