package explain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/remedyops/remedy/internal/types"
)

func TestRenderIncludesEveryStep(t *testing.T) {
	f := &types.Failure{
		FailureID:     "f-1",
		Repository:    "acme/api",
		Branch:        "main",
		WorkflowRunID: 100,
		CommitSHA:     "abcdef1234567890",
		FailureReason: "npm install timeout",
		Status:        types.StatusRemediated,
		PRNumber:      7,
		PRURL:         "https://example.com/pr/7",
	}
	at := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	chain := []*types.DecisionRecord{
		{
			Kind:          types.DecisionClassification,
			Chosen:        "category=timeout risk=3",
			Confidence:    85,
			ContextDigest: "deadbeefdeadbeefdeadbeef",
			CreatedAt:     at,
			Alternatives: []types.Alternative{
				{Option: "dependency", Score: 0.4, RejectionReason: "no manifest change in logs"},
			},
		},
		{
			Kind:      types.DecisionSafetyGate,
			Chosen:    "auto_apply",
			CreatedAt: at.Add(time.Second),
		},
	}

	out := Render(f, chain)
	assert.Contains(t, out, "Failure f-1")
	assert.Contains(t, out, "acme/api main @ abcdef12")
	assert.Contains(t, out, "pr: #7")
	assert.Contains(t, out, "Decision chain (2 steps)")
	assert.Contains(t, out, "[classification]")
	assert.Contains(t, out, "chose: category=timeout risk=3")
	assert.Contains(t, out, "rejected: dependency (0.40) no manifest change in logs")
	assert.Contains(t, out, "[safety_gate]")
}

func TestRenderEmptyChain(t *testing.T) {
	f := &types.Failure{FailureID: "f-2", Repository: "acme/api", Status: types.StatusDetected}
	out := Render(f, nil)
	assert.Contains(t, out, "No decisions recorded")
}
