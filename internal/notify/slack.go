package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/remedyops/remedy/internal/types"
)

// Attachment colors by severity.
const (
	colorInfo    = "#439FE0"
	colorGood    = "good"
	colorWarning = "warning"
	colorDanger  = "danger"
)

// Slack posts notifications to a single channel via the Slack Web API.
type Slack struct {
	client  *slack.Client
	channel string
}

// NewSlack creates a Slack notifier.
func NewSlack(token, channel string) (*Slack, error) {
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("channel is required")
	}
	client := slack.New(token,
		slack.OptionHTTPClient(&http.Client{Timeout: 10 * time.Second}))
	return &Slack{client: client, channel: channel}, nil
}

func (s *Slack) post(ctx context.Context, color, title, text string, fields []slack.AttachmentField) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionAttachments(slack.Attachment{
			Color:  color,
			Title:  title,
			Text:   text,
			Fields: fields,
		}))
	if err != nil {
		return fmt.Errorf("failed to post to %s: %w", s.channel, err)
	}
	return nil
}

// FailureDetected announces a newly detected failure.
func (s *Slack) FailureDetected(ctx context.Context, f *types.Failure) error {
	return s.post(ctx, colorInfo,
		fmt.Sprintf("CI failure detected: %s", f.Repository),
		f.FailureReason,
		[]slack.AttachmentField{
			{Title: "Branch", Value: f.Branch, Short: true},
			{Title: "Workflow", Value: f.WorkflowName, Short: true},
			{Title: "Run", Value: fmt.Sprintf("%d", f.WorkflowRunID), Short: true},
			{Title: "Commit", Value: shortSHA(f.CommitSHA), Short: true},
		})
}

// AnalysisComplete reports the classification and gate verdict.
func (s *Slack) AnalysisComplete(ctx context.Context, f *types.Failure, a *types.Analysis, d *types.GateDecision) error {
	color := colorGood
	if !d.Allowed() {
		color = colorWarning
	}
	if d.Verdict == types.VerdictBlock {
		color = colorDanger
	}
	return s.post(ctx, color,
		fmt.Sprintf("Analysis complete: %s", f.Repository),
		a.ProposedFix,
		[]slack.AttachmentField{
			{Title: "Category", Value: a.Category, Short: true},
			{Title: "Type", Value: string(a.ErrorType), Short: true},
			{Title: "Risk", Value: fmt.Sprintf("%d/10", a.RiskScore), Short: true},
			{Title: "Confidence", Value: fmt.Sprintf("%d%%", a.Confidence), Short: true},
			{Title: "Verdict", Value: string(d.Verdict), Short: true},
			{Title: "Reason", Value: d.Reason, Short: false},
		})
}

// ApprovalRequested asks a human to act on a gated remediation.
func (s *Slack) ApprovalRequested(ctx context.Context, r *types.ApprovalRequest, a *types.Analysis) error {
	return s.post(ctx, colorWarning,
		fmt.Sprintf("Approval required: %s PR #%d", r.Repository, r.PRNumber),
		a.ProposedFix,
		[]slack.AttachmentField{
			{Title: "Risk", Value: fmt.Sprintf("%d/10", a.RiskScore), Short: true},
			{Title: "Expires", Value: r.ExpiresAt.Format("2006-01-02 15:04 MST"), Short: true},
			{Title: "Reviewers", Value: strings.Join(r.RequiredReviewers, ", "), Short: false},
		})
}

// RemediationOutcome reports final success or rollback.
func (s *Slack) RemediationOutcome(ctx context.Context, f *types.Failure, success bool, detail string) error {
	color := colorGood
	title := fmt.Sprintf("Remediation succeeded: %s", f.Repository)
	if !success {
		color = colorDanger
		title = fmt.Sprintf("Remediation rolled back: %s", f.Repository)
	}
	fields := []slack.AttachmentField{
		{Title: "Branch", Value: f.Branch, Short: true},
	}
	if f.PRURL != "" {
		fields = append(fields, slack.AttachmentField{Title: "PR", Value: f.PRURL, Short: true})
	}
	return s.post(ctx, color, title, detail, fields)
}

// DeveloperEscalation hands a developer-class failure to humans.
func (s *Slack) DeveloperEscalation(ctx context.Context, f *types.Failure, a *types.Analysis) error {
	return s.post(ctx, colorWarning,
		fmt.Sprintf("Developer attention needed: %s", f.Repository),
		a.Reasoning,
		[]slack.AttachmentField{
			{Title: "Category", Value: a.Category, Short: true},
			{Title: "Confidence", Value: fmt.Sprintf("%d%%", a.Confidence), Short: true},
			{Title: "Effort", Value: string(a.Effort), Short: true},
			{Title: "Branch", Value: f.Branch, Short: true},
			{Title: "Commit", Value: shortSHA(f.CommitSHA), Short: true},
			{Title: "Failure", Value: f.FailureReason, Short: false},
			{Title: "Suggested fix", Value: a.ProposedFix, Short: false},
		})
}

// CriticalAlert raises an operational alert.
func (s *Slack) CriticalAlert(ctx context.Context, title, detail string) error {
	return s.post(ctx, colorDanger, title, detail, nil)
}

// WeeklyReport posts the weekly health summary.
func (s *Slack) WeeklyReport(ctx context.Context, report string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(report, false))
	if err != nil {
		return fmt.Errorf("failed to post weekly report: %w", err)
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
