// Package classifier turns a detected failure into an Analysis by querying
// the model with historical and behavioral context.
package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/remedyops/remedy/internal/ai"
	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/patterns"
	"github.com/remedyops/remedy/internal/personality"
	"github.com/remedyops/remedy/internal/signature"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

const (
	classifyMaxTokens = 4096
	fixMaxTokens      = 8192
	// maxLogPromptLen bounds how much log tail goes into the prompt.
	maxLogPromptLen = 12000
)

// Classifier assembles prompts, queries the model, and validates the result.
type Classifier struct {
	model    ai.ModelClient
	memory   *patterns.Memory
	profiler *personality.Profiler
	store    storage.Storage
	clock    clock.Clock
	retry    ai.RetryConfig
}

// Config configures the classifier.
type Config struct {
	Model    ai.ModelClient
	Memory   *patterns.Memory
	Profiler *personality.Profiler
	Storage  storage.Storage
	Clock    clock.Clock
	Retry    *ai.RetryConfig
}

// New creates a classifier.
func New(cfg Config) (*Classifier, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("memory is required")
	}
	if cfg.Profiler == nil {
		return nil, fmt.Errorf("profiler is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	retry := ai.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	return &Classifier{
		model:    cfg.Model,
		memory:   cfg.Memory,
		profiler: cfg.Profiler,
		store:    cfg.Storage,
		clock:    cfg.Clock,
		retry:    retry,
	}, nil
}

// classifyResponse is the schema the model must return.
type classifyResponse struct {
	ErrorType          string   `json:"error_type"`
	Category           string   `json:"category"`
	RiskScore          int      `json:"risk_score"`
	Confidence         int      `json:"confidence"`
	EffortEstimate     string   `json:"effort_estimate"`
	ProposedFix        string   `json:"proposed_fix"`
	FilesToModify      []string `json:"files_to_modify"`
	FixCommands        []string `json:"fix_commands"`
	Reasoning          string   `json:"reasoning"`
	AffectedComponents []string `json:"affected_components"`
}

// Classify produces a validated Analysis for the failure. Model output that
// fails schema validation is rejected, never defaulted. The personality
// adjustment is applied to confidence and logged in the decision record.
func (c *Classifier) Classify(ctx context.Context, f *types.Failure) (*types.Analysis, error) {
	matches, err := c.memory.Similar(ctx, f.FailureReason, "", f.Repository, 3)
	if err != nil {
		// Recall is advisory; classification proceeds without it.
		matches = nil
	}
	profile, err := c.profiler.Profile(ctx, f.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to load personality profile: %w", err)
	}

	prompt := c.buildPrompt(f, matches, profile)

	var completion *ai.Completion
	err = ai.WithRetry(ctx, c.retry, func(attemptCtx context.Context) error {
		resp, callErr := c.model.Complete(attemptCtx, prompt, classifyMaxTokens)
		if callErr != nil {
			return callErr
		}
		completion = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("classification call failed: %w", err)
	}

	parsed := ai.Parse[classifyResponse](completion.Text)
	if !parsed.Success {
		return nil, fmt.Errorf("%w: %s", ai.ErrMalformedResponse, parsed.Error)
	}
	resp := parsed.Data

	now := c.clock.Now()
	analysis := &types.Analysis{
		FailureID:          f.FailureID,
		ErrorType:          types.ErrorType(resp.ErrorType),
		Category:           resp.Category,
		RiskScore:          resp.RiskScore,
		Confidence:         resp.Confidence,
		Effort:             types.Effort(resp.EffortEstimate),
		ProposedFix:        resp.ProposedFix,
		FilesToModify:      resp.FilesToModify,
		FixCommands:        resp.FixCommands,
		Reasoning:          resp.Reasoning,
		AffectedComponents: resp.AffectedComponents,
		ModelID:            completion.Model,
		ResponseLatencyMS:  completion.Latency.Milliseconds(),
		CreatedAt:          now,
	}
	if err := analysis.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ai.ErrMalformedResponse, err)
	}

	adj := personality.Adjustment(profile, analysis.Category, now)
	adjusted := analysis.Confidence + int(adj*100)
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 100 {
		adjusted = 100
	}
	rawConfidence := analysis.Confidence
	analysis.Confidence = adjusted

	record := &types.DecisionRecord{
		FailureID: f.FailureID,
		Kind:      types.DecisionClassification,
		Chosen: fmt.Sprintf("%s/%s risk=%d confidence=%d (raw %d, personality %+d)",
			analysis.ErrorType, analysis.Category, analysis.RiskScore,
			analysis.Confidence, rawConfidence, int(adj*100)),
		ContextDigest: signature.HashContent([]byte(prompt)),
		Confidence:    analysis.Confidence,
		CreatedAt:     now,
	}
	for _, m := range matches {
		record.Alternatives = append(record.Alternatives, types.Alternative{
			Option:          fmt.Sprintf("pattern %s (%s)", m.Pattern.PatternID, m.Pattern.Category),
			Score:           m.Similarity,
			RejectionReason: "context only",
		})
	}
	if err := c.store.AppendDecision(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record classification decision: %w", err)
	}

	return analysis, nil
}

func (c *Classifier) buildPrompt(f *types.Failure, matches []patterns.Match, profile *types.PersonalityProfile) string {
	var b strings.Builder

	b.WriteString("You are a CI failure analyst. Classify the failure below and propose a minimal fix.\n")
	b.WriteString("Respond with a single JSON object matching this schema:\n")
	b.WriteString(`{"error_type": "devops|developer", "category": "...", "risk_score": 0-10, "confidence": 0-100, "effort_estimate": "low|medium|high", "proposed_fix": "...", "files_to_modify": ["..."], "fix_commands": ["..."], "reasoning": "...", "affected_components": ["..."]}`)
	b.WriteString("\n\nUse error_type \"developer\" only when the failure clearly localizes to application source (test assertions, compile or lint errors naming in-repo files); otherwise \"devops\".\n")

	fmt.Fprintf(&b, "\n## Failure\nRepository: %s\nBranch: %s\nWorkflow: %s\nCommit: %s\nReason: %s\n",
		f.Repository, f.Branch, f.WorkflowName, f.CommitSHA, f.FailureReason)
	logs := f.Logs
	if len(logs) > maxLogPromptLen {
		logs = logs[len(logs)-maxLogPromptLen:]
	}
	if logs != "" {
		fmt.Fprintf(&b, "\n## Log tail\n```\n%s\n```\n", logs)
	}

	if len(matches) > 0 {
		b.WriteString("\n## Similar past failures in this repository\n")
		for _, m := range matches {
			outcome := "fix succeeded"
			if !m.Pattern.FixSuccessful {
				outcome = "fix failed"
			}
			fmt.Fprintf(&b, "- [%.2f] %s -> %s (%s; files: %s)\n",
				m.Similarity, m.Pattern.ErrorSignature, m.Pattern.ProposedFix,
				outcome, strings.Join(m.Pattern.FilesModified, ", "))
		}
	}

	if profile.TotalFailures > 0 {
		fmt.Fprintf(&b, "\n## Repository behavior (last 30 days)\nFailures: %d\nDominant category: %s\nFlaky rate: %.0f%%\nRemediation success rate: %.0f%%\n",
			profile.TotalFailures, profile.DominantCategory,
			profile.FlakyRate*100, profile.SuccessRate*100)
		for _, p := range profile.Patterns {
			fmt.Fprintf(&b, "- %s\n", p.Description)
		}
	}

	b.WriteString("\nReturn only the JSON object.\n")
	return b.String()
}

// GenerateFileFix asks the model for the full corrected content of one file.
// Returns skip=true when the model output is identical to the current
// content (a no-op edit) or empty.
func (c *Classifier) GenerateFileFix(ctx context.Context, f *types.Failure, a *types.Analysis, path string, current []byte) ([]byte, bool, error) {
	var b strings.Builder
	b.WriteString("You are a code repair tool. Output the complete corrected file content and nothing else. No explanations, no markdown fences.\n")
	fmt.Fprintf(&b, "\nRepository: %s\nFailure: %s\nPlanned fix: %s\nFile: %s\n", f.Repository, f.FailureReason, a.ProposedFix, path)
	fmt.Fprintf(&b, "\nCurrent content:\n%s\n", current)

	var completion *ai.Completion
	err := ai.WithRetry(ctx, c.retry, func(attemptCtx context.Context) error {
		resp, callErr := c.model.Complete(attemptCtx, b.String(), fixMaxTokens)
		if callErr != nil {
			return callErr
		}
		completion = resp
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("fix generation call failed: %w", err)
	}

	fixed := stripFences(completion.Text)
	if strings.TrimSpace(fixed) == "" {
		return nil, true, nil
	}
	if fixed == string(current) {
		return nil, true, nil
	}

	record := &types.DecisionRecord{
		FailureID:     f.FailureID,
		Kind:          types.DecisionFixGeneration,
		Chosen:        fmt.Sprintf("rewrote %s (%d bytes)", path, len(fixed)),
		ContextDigest: signature.HashContent(current),
		Confidence:    a.Confidence,
		CreatedAt:     c.clock.Now(),
	}
	if err := c.store.AppendDecision(ctx, record); err != nil {
		return nil, false, fmt.Errorf("failed to record fix decision: %w", err)
	}
	return []byte(fixed), false, nil
}

// stripFences removes a single wrapping markdown code fence if present.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.Index(t, "\n"); i >= 0 {
		t = t[i+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimRight(t, "\n") + "\n"
}

// RecordFeedback stores predicted vs actual category once an outcome is
// known.
func (c *Classifier) RecordFeedback(ctx context.Context, failureID, predicted, actual string) error {
	return c.store.StoreFeedback(ctx, &types.ClassificationFeedback{
		FailureID:         failureID,
		PredictedCategory: predicted,
		ActualCategory:    actual,
		RecordedAt:        c.clock.Now(),
	})
}
