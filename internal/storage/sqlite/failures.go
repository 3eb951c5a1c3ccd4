package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

// CreateFailure inserts a new failure. The (repository, workflow_run_id)
// unique index makes re-detection of the same run an error; callers dedupe
// with FailureExists first.
func (s *Store) CreateFailure(ctx context.Context, f *types.Failure) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failures (failure_id, repository, branch, workflow_name,
			workflow_run_id, commit_sha, failure_reason, logs, status,
			status_reason, pr_number, pr_url, detected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FailureID, f.Repository, f.Branch, f.WorkflowName,
		f.WorkflowRunID, f.CommitSHA, f.FailureReason, f.Logs, string(f.Status),
		f.StatusReason, f.PRNumber, f.PRURL, f.DetectedAt.UTC(), f.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create failure: %w", err)
	}
	return nil
}

// GetFailure fetches one failure by ID.
func (s *Store) GetFailure(ctx context.Context, failureID string) (*types.Failure, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT failure_id, repository, branch, workflow_name, workflow_run_id,
			commit_sha, failure_reason, logs, status, status_reason,
			pr_number, pr_url, detected_at, updated_at
		FROM failures WHERE failure_id = ?`, failureID)
	return scanFailure(row)
}

// FailureExists reports whether a failure for this workflow run was already
// recorded. This is the poller's dedupe check.
func (s *Store) FailureExists(ctx context.Context, repository string, workflowRunID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failures WHERE repository = ? AND workflow_run_id = ?`,
		repository, workflowRunID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check failure existence: %w", err)
	}
	return n > 0, nil
}

// UpdateFailureStatus moves a failure through the state machine. Terminal
// failures are never updated again.
func (s *Store) UpdateFailureStatus(ctx context.Context, failureID string, status types.FailureStatus, reason string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE failures SET status = ?, status_reason = ?, updated_at = ?
		WHERE failure_id = ?
		  AND status NOT IN ('remediated', 'rolled_back', 'failed', 'developer_notified')`,
		string(status), reason, time.Now().UTC(), failureID)
	if err != nil {
		return fmt.Errorf("failed to update failure status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failure %s not found or already terminal", failureID)
	}
	return nil
}

// SetFailurePR records the remediation PR opened for a failure.
func (s *Store) SetFailurePR(ctx context.Context, failureID string, prNumber int, prURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE failures SET pr_number = ?, pr_url = ?, updated_at = ? WHERE failure_id = ?`,
		prNumber, prURL, time.Now().UTC(), failureID)
	if err != nil {
		return fmt.Errorf("failed to set failure PR: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failure %s not found", failureID)
	}
	return nil
}

// ListFailures returns failures matching the filter, newest first.
func (s *Store) ListFailures(ctx context.Context, filter storage.FailureFilter) ([]*types.Failure, error) {
	query := `
		SELECT failure_id, repository, branch, workflow_name, workflow_run_id,
			commit_sha, failure_reason, logs, status, status_reason,
			pr_number, pr_url, detected_at, updated_at
		FROM failures WHERE 1=1`
	var args []any
	if filter.Repository != "" {
		query += " AND repository = ?"
		args = append(args, filter.Repository)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND detected_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY detected_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var out []*types.Failure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountFailuresSince counts failures detected at or after the given instant.
func (s *Store) CountFailuresSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failures WHERE detected_at >= ?`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFailure(row rowScanner) (*types.Failure, error) {
	var f types.Failure
	var status string
	err := row.Scan(&f.FailureID, &f.Repository, &f.Branch, &f.WorkflowName,
		&f.WorkflowRunID, &f.CommitSHA, &f.FailureReason, &f.Logs, &status,
		&f.StatusReason, &f.PRNumber, &f.PRURL, &f.DetectedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan failure: %w", err)
	}
	f.Status = types.FailureStatus(status)
	f.DetectedAt = f.DetectedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}
