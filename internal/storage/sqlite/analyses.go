package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

// StoreAnalysis persists a classification. One analysis per failure; a second
// write for the same failure is an error since analyses are immutable.
func (s *Store) StoreAnalysis(ctx context.Context, a *types.Analysis) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid analysis: %w", err)
	}
	files, err := marshalJSON(a.FilesToModify, "[]")
	if err != nil {
		return err
	}
	cmds, err := marshalJSON(a.FixCommands, "[]")
	if err != nil {
		return err
	}
	components, err := marshalJSON(a.AffectedComponents, "[]")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (failure_id, error_type, category, risk_score,
			confidence, effort_estimate, proposed_fix, files_to_modify,
			fix_commands, reasoning, affected_components, model_id,
			response_latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.FailureID, string(a.ErrorType), a.Category, a.RiskScore,
		a.Confidence, string(a.Effort), a.ProposedFix, files,
		cmds, a.Reasoning, components, a.ModelID,
		a.ResponseLatencyMS, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store analysis: %w", err)
	}
	return nil
}

// GetAnalysis fetches the analysis for a failure.
func (s *Store) GetAnalysis(ctx context.Context, failureID string) (*types.Analysis, error) {
	var a types.Analysis
	var errorType, effort, files, cmds, components string
	err := s.db.QueryRowContext(ctx, `
		SELECT failure_id, error_type, category, risk_score, confidence,
			effort_estimate, proposed_fix, files_to_modify, fix_commands,
			reasoning, affected_components, model_id, response_latency_ms, created_at
		FROM analyses WHERE failure_id = ?`, failureID).Scan(
		&a.FailureID, &errorType, &a.Category, &a.RiskScore, &a.Confidence,
		&effort, &a.ProposedFix, &files, &cmds,
		&a.Reasoning, &components, &a.ModelID, &a.ResponseLatencyMS, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	a.ErrorType = types.ErrorType(errorType)
	a.Effort = types.Effort(effort)
	a.CreatedAt = a.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(files), &a.FilesToModify); err != nil {
		return nil, fmt.Errorf("failed to unmarshal files_to_modify: %w", err)
	}
	if err := json.Unmarshal([]byte(cmds), &a.FixCommands); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fix_commands: %w", err)
	}
	if err := json.Unmarshal([]byte(components), &a.AffectedComponents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal affected_components: %w", err)
	}
	return &a, nil
}

// AppendDecision writes one explainability ledger entry.
func (s *Store) AppendDecision(ctx context.Context, d *types.DecisionRecord) error {
	if d.FailureID == "" {
		return fmt.Errorf("failure_id is required")
	}
	alts, err := marshalJSON(d.Alternatives, "[]")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (failure_id, kind, chosen, alternatives,
			context_digest, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.FailureID, string(d.Kind), d.Chosen, alts,
		d.ContextDigest, d.Confidence, d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		d.ID = id
	}
	return nil
}

// GetDecisions returns the decision chain for a failure in insertion order.
func (s *Store) GetDecisions(ctx context.Context, failureID string) ([]*types.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, failure_id, kind, chosen, alternatives, context_digest,
			confidence, created_at
		FROM decisions WHERE failure_id = ? ORDER BY id ASC`, failureID)
	if err != nil {
		return nil, fmt.Errorf("failed to get decisions: %w", err)
	}
	defer rows.Close()

	var out []*types.DecisionRecord
	for rows.Next() {
		var d types.DecisionRecord
		var kind, alts string
		if err := rows.Scan(&d.ID, &d.FailureID, &kind, &d.Chosen, &alts,
			&d.ContextDigest, &d.Confidence, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.Kind = types.DecisionKind(kind)
		d.CreatedAt = d.CreatedAt.UTC()
		if err := json.Unmarshal([]byte(alts), &d.Alternatives); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alternatives: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
