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

// AppendAudit writes one audit trail entry. The table has no update path.
func (s *Store) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	details, err := marshalJSON(e.Details, "{}")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, actor, action_kind, failure_id,
			outcome, details, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC(), e.Actor, e.ActionKind, e.FailureID,
		string(e.Outcome), details, e.Error)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// QueryAudit returns audit entries matching the filter, newest first.
func (s *Store) QueryAudit(ctx context.Context, filter storage.AuditFilter) ([]*types.AuditEntry, error) {
	query := `
		SELECT id, timestamp, actor, action_kind, failure_id, outcome, details, error
		FROM audit_log WHERE 1=1`
	var args []any
	if filter.FailureID != "" {
		query += " AND failure_id = ?"
		args = append(args, filter.FailureID)
	}
	if filter.ActionKind != "" {
		query += " AND action_kind = ?"
		args = append(args, filter.ActionKind)
	}
	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, filter.Actor)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []*types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var outcome, details string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.ActionKind,
			&e.FailureID, &outcome, &details, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Outcome = types.AuditOutcome(outcome)
		e.Timestamp = e.Timestamp.UTC()
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// StoreMetric persists one remediation metric record.
func (s *Store) StoreMetric(ctx context.Context, m *types.RemediationMetric) error {
	if m.MetricID == "" {
		return fmt.Errorf("metric_id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remediation_metrics (metric_id, failure_id, repository,
			category, risk_score, detection_latency_ms, analysis_latency_ms,
			total_latency_ms, success, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MetricID, m.FailureID, m.Repository,
		m.Category, m.RiskScore, m.DetectionLatencyMS, m.AnalysisLatencyMS,
		m.TotalLatencyMS, boolInt(m.Success), m.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store metric: %w", err)
	}
	return nil
}

// ListMetrics returns remediation metrics matching the filter, oldest first.
func (s *Store) ListMetrics(ctx context.Context, filter storage.MetricFilter) ([]*types.RemediationMetric, error) {
	query := `
		SELECT metric_id, failure_id, repository, category, risk_score,
			detection_latency_ms, analysis_latency_ms, total_latency_ms,
			success, recorded_at
		FROM remediation_metrics WHERE 1=1`
	var args []any
	if filter.Repository != "" {
		query += " AND repository = ?"
		args = append(args, filter.Repository)
	}
	if !filter.Since.IsZero() {
		query += " AND recorded_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY recorded_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var out []*types.RemediationMetric
	for rows.Next() {
		var m types.RemediationMetric
		var success int
		if err := rows.Scan(&m.MetricID, &m.FailureID, &m.Repository, &m.Category,
			&m.RiskScore, &m.DetectionLatencyMS, &m.AnalysisLatencyMS,
			&m.TotalLatencyMS, &success, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		m.Success = success != 0
		m.RecordedAt = m.RecordedAt.UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

// StoreFeedback records predicted vs actual category for a failure.
func (s *Store) StoreFeedback(ctx context.Context, fb *types.ClassificationFeedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classification_feedback (failure_id, predicted_category,
			actual_category, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(failure_id) DO UPDATE SET
			actual_category = excluded.actual_category,
			recorded_at = excluded.recorded_at`,
		fb.FailureID, fb.PredictedCategory, fb.ActualCategory, fb.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}
	return nil
}

// ListFeedback returns all classification feedback records.
func (s *Store) ListFeedback(ctx context.Context) ([]*types.ClassificationFeedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT failure_id, predicted_category, actual_category, recorded_at
		FROM classification_feedback ORDER BY recorded_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []*types.ClassificationFeedback
	for rows.Next() {
		var fb types.ClassificationFeedback
		if err := rows.Scan(&fb.FailureID, &fb.PredictedCategory,
			&fb.ActualCategory, &fb.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		fb.RecordedAt = fb.RecordedAt.UTC()
		out = append(out, &fb)
	}
	return out, rows.Err()
}

// StoreProfile caches a computed personality profile as JSON.
func (s *Store) StoreProfile(ctx context.Context, p *types.PersonalityProfile) error {
	blob, err := marshalJSON(p, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (repository, profile, computed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(repository) DO UPDATE SET
			profile = excluded.profile,
			computed_at = excluded.computed_at`,
		p.Repository, blob, p.ComputedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store profile: %w", err)
	}
	return nil
}

// GetProfile fetches the cached profile for a repository.
func (s *Store) GetProfile(ctx context.Context, repository string) (*types.PersonalityProfile, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT profile FROM profiles WHERE repository = ?`, repository).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	var p types.PersonalityProfile
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return &p, nil
}
