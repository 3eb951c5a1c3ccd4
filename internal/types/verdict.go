package types

// Verdict is the safety gate's decision for a (failure, analysis) pair.
type Verdict string

const (
	VerdictAutoApply       Verdict = "auto_apply"
	VerdictRequireApproval Verdict = "require_approval"
	VerdictBlock           Verdict = "block"
	// VerdictSimulated is AutoApply under dry-run: the executor runs but every
	// outbound side effect is intercepted and recorded.
	VerdictSimulated Verdict = "auto_apply_simulated"
)

// GateOutcome is one gate's pass/fail result, attached to the decision record.
type GateOutcome struct {
	Gate   string `json:"gate"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}

// GateDecision is the full safety gate result.
type GateDecision struct {
	Verdict  Verdict       `json:"verdict"`
	Reason   string        `json:"reason"`
	Outcomes []GateOutcome `json:"outcomes"`
}

// Allowed reports whether the executor may proceed without human approval.
func (d *GateDecision) Allowed() bool {
	return d.Verdict == VerdictAutoApply || d.Verdict == VerdictSimulated
}
