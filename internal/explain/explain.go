// Package explain renders the decision ledger for one failure as a
// human-readable timeline.
package explain

import (
	"context"
	"fmt"
	"strings"

	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

// Service reads and renders decision chains.
type Service struct {
	store storage.Storage
}

// New creates the service.
func New(store storage.Storage) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	return &Service{store: store}, nil
}

// Explain loads the failure and its decision chain and renders them.
func (s *Service) Explain(ctx context.Context, failureID string) (string, error) {
	f, err := s.store.GetFailure(ctx, failureID)
	if err != nil {
		return "", fmt.Errorf("failed to load failure %s: %w", failureID, err)
	}
	chain, err := s.store.GetDecisions(ctx, failureID)
	if err != nil {
		return "", fmt.Errorf("failed to load decisions for %s: %w", failureID, err)
	}
	return Render(f, chain), nil
}

// Chain loads the raw decision records for API consumers.
func (s *Service) Chain(ctx context.Context, failureID string) ([]*types.DecisionRecord, error) {
	return s.store.GetDecisions(ctx, failureID)
}

// Render formats a failure and its decision chain. Records appear in the
// order they were made; each shows what was chosen, at what confidence, and
// what was considered and rejected.
func Render(f *types.Failure, chain []*types.DecisionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failure %s\n", f.FailureID)
	fmt.Fprintf(&b, "  %s %s @ %s (run %d)\n", f.Repository, f.Branch, shortSHA(f.CommitSHA), f.WorkflowRunID)
	fmt.Fprintf(&b, "  reason: %s\n", f.FailureReason)
	fmt.Fprintf(&b, "  status: %s", f.Status)
	if f.StatusReason != "" {
		fmt.Fprintf(&b, " (%s)", f.StatusReason)
	}
	b.WriteString("\n")
	if f.PRNumber > 0 {
		fmt.Fprintf(&b, "  pr: #%d %s\n", f.PRNumber, f.PRURL)
	}

	if len(chain) == 0 {
		b.WriteString("\nNo decisions recorded.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "\nDecision chain (%d steps):\n", len(chain))
	for i, d := range chain {
		fmt.Fprintf(&b, "\n%d. [%s] %s\n", i+1, d.Kind, d.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "   chose: %s\n", d.Chosen)
		if d.Confidence > 0 {
			fmt.Fprintf(&b, "   confidence: %d%%\n", d.Confidence)
		}
		for _, alt := range d.Alternatives {
			fmt.Fprintf(&b, "   rejected: %s (%.2f) %s\n", alt.Option, alt.Score, alt.RejectionReason)
		}
		if d.ContextDigest != "" {
			fmt.Fprintf(&b, "   context: %s\n", short(d.ContextDigest, 16))
		}
	}
	return b.String()
}

func shortSHA(sha string) string {
	return short(sha, 8)
}

func short(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
