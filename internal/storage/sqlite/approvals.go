package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

// StoreApprovalRequest persists a new pending approval request.
func (s *Store) StoreApprovalRequest(ctx context.Context, r *types.ApprovalRequest) error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	reviewers, err := marshalJSON(r.RequiredReviewers, "[]")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (request_id, failure_id, repository, pr_number,
			deployment_id, environment_name, required_reviewers, status,
			created_at, expires_at, resolved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		r.RequestID, r.FailureID, r.Repository, r.PRNumber,
		r.DeploymentID, r.EnvironmentName, reviewers, string(r.Status),
		r.CreatedAt.UTC(), r.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store approval request: %w", err)
	}
	return nil
}

// GetApprovalRequest fetches one approval request by ID.
func (s *Store) GetApprovalRequest(ctx context.Context, requestID string) (*types.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, failure_id, repository, pr_number, deployment_id,
			environment_name, required_reviewers, status, created_at,
			expires_at, resolved_at, resolved_by
		FROM approvals WHERE request_id = ?`, requestID)
	return scanApproval(row)
}

// ResolveApprovalRequest moves a pending request to a terminal status. The
// status guard makes resolution first-wins.
func (s *Store) ResolveApprovalRequest(ctx context.Context, requestID string, status types.ApprovalStatus, resolvedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE request_id = ? AND status = 'pending'`,
		string(status), at.UTC(), resolvedBy, requestID)
	if err != nil {
		return fmt.Errorf("failed to resolve approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("approval request %s not found or already resolved", requestID)
	}
	return nil
}

// ListPendingApprovals returns all pending requests, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]*types.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, failure_id, repository, pr_number, deployment_id,
			environment_name, required_reviewers, status, created_at,
			expires_at, resolved_at, resolved_by
		FROM approvals WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*types.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (*types.ApprovalRequest, error) {
	var r types.ApprovalRequest
	var reviewers, status string
	var resolved sql.NullTime
	err := row.Scan(&r.RequestID, &r.FailureID, &r.Repository, &r.PRNumber,
		&r.DeploymentID, &r.EnvironmentName, &reviewers, &status,
		&r.CreatedAt, &r.ExpiresAt, &resolved, &r.ResolvedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval request: %w", err)
	}
	r.Status = types.ApprovalStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.ResolvedAt = timePtr(resolved)
	if err := json.Unmarshal([]byte(reviewers), &r.RequiredReviewers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal required_reviewers: %w", err)
	}
	return &r, nil
}
