// Package gates composes the safety checks that decide whether a proposed
// remediation may proceed.
package gates

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/remedyops/remedy/internal/blast"
	"github.com/remedyops/remedy/internal/circuit"
	"github.com/remedyops/remedy/internal/types"
)

const (
	// DefaultRiskThreshold is the per-repo risk score above which approval is
	// required.
	DefaultRiskThreshold = 5
	// BlastApprovalScore requires approval; BlastBlockScore blocks outright.
	BlastApprovalScore = 8.0
	BlastBlockScore    = 10.0
)

// DefaultAppSourceGlobs mark paths considered application source: edits there
// always need a human.
var DefaultAppSourceGlobs = []string{
	"src/**", "lib/**", "app/**", "**/*_test.go", "tests/**", "internal/**", "pkg/**",
}

// RepoPolicy is the per-repository gate configuration.
type RepoPolicy struct {
	Protected      bool
	RiskThreshold  int
	AppSourceGlobs []string
}

// SafetyGate evaluates the ordered gate chain.
type SafetyGate struct {
	breaker   *circuit.Breaker
	estimator *blast.Estimator
	policies  map[string]RepoPolicy
	dryRun    bool
}

// Config configures the gate.
type Config struct {
	Breaker   *circuit.Breaker
	Estimator *blast.Estimator
	// Policies maps repository ("owner/name") to its policy.
	Policies map[string]RepoPolicy
	DryRun   bool
}

// New creates the safety gate.
func New(cfg Config) (*SafetyGate, error) {
	if cfg.Breaker == nil {
		return nil, fmt.Errorf("breaker is required")
	}
	if cfg.Estimator == nil {
		return nil, fmt.Errorf("estimator is required")
	}
	return &SafetyGate{
		breaker:   cfg.Breaker,
		estimator: cfg.Estimator,
		policies:  cfg.Policies,
		dryRun:    cfg.DryRun,
	}, nil
}

// Evaluate runs the gates in order and returns the verdict with per-gate
// outcomes. Block short-circuits; RequireApproval escalations accumulate.
// Under dry-run an allowed verdict becomes simulated.
func (g *SafetyGate) Evaluate(ctx context.Context, f *types.Failure, a *types.Analysis) (*types.GateDecision, *blast.Assessment, error) {
	d := &types.GateDecision{Verdict: types.VerdictAutoApply}
	policy := g.policy(f.Repository)

	// 1. Circuit check. Half-open admits the single trial Allow grants.
	allowed, c, err := g.breaker.Allow(ctx, f.Repository, f.Branch, f.FailureReason)
	if err != nil {
		return nil, nil, fmt.Errorf("circuit check failed: %w", err)
	}
	if !allowed {
		d.Verdict = types.VerdictBlock
		d.Reason = "circuit_open"
		d.Outcomes = append(d.Outcomes, types.GateOutcome{
			Gate: "circuit", Passed: false,
			Reason: fmt.Sprintf("circuit %s is %s", c.Signature, c.State),
		})
		return d, nil, nil
	}
	d.Outcomes = append(d.Outcomes, types.GateOutcome{
		Gate: "circuit", Passed: true,
		Reason: fmt.Sprintf("circuit %s", c.State),
	})

	// 2. Protected repository.
	if policy.Protected {
		g.escalate(d, "protected_repository")
		d.Outcomes = append(d.Outcomes, types.GateOutcome{
			Gate: "protected", Passed: false, Reason: "repository is protected",
		})
	} else {
		d.Outcomes = append(d.Outcomes, types.GateOutcome{Gate: "protected", Passed: true})
	}

	// 3. Application code.
	if hit := firstAppSourceHit(a.FilesToModify, policy.AppSourceGlobs); hit != "" {
		g.escalate(d, "application_code")
		d.Outcomes = append(d.Outcomes, types.GateOutcome{
			Gate: "app_source", Passed: false,
			Reason: fmt.Sprintf("%s matches application source globs", hit),
		})
	} else {
		d.Outcomes = append(d.Outcomes, types.GateOutcome{Gate: "app_source", Passed: true})
	}

	// 4. Risk threshold.
	if a.RiskScore >= policy.RiskThreshold {
		g.escalate(d, "risk_threshold")
		d.Outcomes = append(d.Outcomes, types.GateOutcome{
			Gate: "risk", Passed: false,
			Reason: fmt.Sprintf("risk %d >= threshold %d", a.RiskScore, policy.RiskThreshold),
		})
	} else {
		d.Outcomes = append(d.Outcomes, types.GateOutcome{
			Gate: "risk", Passed: true,
			Reason: fmt.Sprintf("risk %d < threshold %d", a.RiskScore, policy.RiskThreshold),
		})
	}

	// 5. Blast radius.
	assessment := g.estimator.Assess(f.Repository, f.Branch, a.FilesToModify, a.Category)
	switch {
	case assessment.Score >= BlastBlockScore:
		d.Verdict = types.VerdictBlock
		d.Reason = "blast_radius_block"
		d.Outcomes = append(d.Outcomes, types.GateOutcome{
			Gate: "blast_radius", Passed: false,
			Reason: fmt.Sprintf("score %.1f >= %.0f", assessment.Score, BlastBlockScore),
		})
		return d, assessment, nil
	case assessment.Score >= BlastApprovalScore:
		g.escalate(d, "blast_radius")
		d.Outcomes = append(d.Outcomes, types.GateOutcome{
			Gate: "blast_radius", Passed: false,
			Reason: fmt.Sprintf("score %.1f >= %.0f", assessment.Score, BlastApprovalScore),
		})
	default:
		d.Outcomes = append(d.Outcomes, types.GateOutcome{
			Gate: "blast_radius", Passed: true,
			Reason: fmt.Sprintf("score %.1f", assessment.Score),
		})
	}

	// 6. Dry-run override.
	if g.dryRun && d.Verdict == types.VerdictAutoApply {
		d.Verdict = types.VerdictSimulated
		d.Reason = "dry_run"
		d.Outcomes = append(d.Outcomes, types.GateOutcome{
			Gate: "dry_run", Passed: true, Reason: "side effects will be simulated",
		})
	}

	return d, assessment, nil
}

// escalate raises AutoApply to RequireApproval, keeping the first reason.
func (g *SafetyGate) escalate(d *types.GateDecision, reason string) {
	if d.Verdict == types.VerdictAutoApply || d.Verdict == types.VerdictSimulated {
		d.Verdict = types.VerdictRequireApproval
		d.Reason = reason
	}
}

func (g *SafetyGate) policy(repository string) RepoPolicy {
	p, ok := g.policies[repository]
	if !ok {
		p = RepoPolicy{}
	}
	if p.RiskThreshold <= 0 {
		p.RiskThreshold = DefaultRiskThreshold
	}
	if len(p.AppSourceGlobs) == 0 {
		p.AppSourceGlobs = DefaultAppSourceGlobs
	}
	return p
}

func firstAppSourceHit(files, globs []string) string {
	for _, f := range files {
		for _, g := range globs {
			if ok, _ := doublestar.Match(g, f); ok {
				return f
			}
		}
	}
	return ""
}
