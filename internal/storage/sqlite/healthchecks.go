package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/remedyops/remedy/internal/types"
)

// StoreHealthCheck persists a newly scheduled health check.
func (s *Store) StoreHealthCheck(ctx context.Context, hc *types.HealthCheck) error {
	if hc.CheckID == "" {
		return fmt.Errorf("check_id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_checks (check_id, remediation_id, snapshot_id,
			repository, branch, scheduled_at, triggered_rollback)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		hc.CheckID, hc.RemediationID, hc.SnapshotID,
		hc.Repository, hc.Branch, hc.ScheduledAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store health check: %w", err)
	}
	return nil
}

// ResolveHealthCheck records the outcome of an executed check. The guard on
// executed_at makes resolution exactly-once: a second resolve is an error.
func (s *Store) ResolveHealthCheck(ctx context.Context, hc *types.HealthCheck) error {
	if hc.ExecutedAt == nil || hc.Passed == nil {
		return fmt.Errorf("executed_at and passed are required to resolve")
	}
	checks, err := marshalJSON(hc.Checks, "[]")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE health_checks
		SET executed_at = ?, passed = ?, checks = ?, triggered_rollback = ?
		WHERE check_id = ? AND executed_at IS NULL`,
		hc.ExecutedAt.UTC(), boolInt(*hc.Passed), checks, boolInt(hc.TriggeredRollback),
		hc.CheckID)
	if err != nil {
		return fmt.Errorf("failed to resolve health check: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("health check %s not found or already resolved", hc.CheckID)
	}
	return nil
}

// ListPendingHealthChecks returns checks that have not executed yet, soonest
// first. The orchestrator reschedules these on startup.
func (s *Store) ListPendingHealthChecks(ctx context.Context) ([]*types.HealthCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT check_id, remediation_id, snapshot_id, repository, branch,
			scheduled_at, executed_at, passed, checks, triggered_rollback
		FROM health_checks WHERE executed_at IS NULL
		ORDER BY scheduled_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending health checks: %w", err)
	}
	defer rows.Close()

	var out []*types.HealthCheck
	for rows.Next() {
		var hc types.HealthCheck
		var executed sql.NullTime
		var passed sql.NullInt64
		var checks string
		var rollback int
		if err := rows.Scan(&hc.CheckID, &hc.RemediationID, &hc.SnapshotID,
			&hc.Repository, &hc.Branch, &hc.ScheduledAt, &executed, &passed,
			&checks, &rollback); err != nil {
			return nil, fmt.Errorf("failed to scan health check: %w", err)
		}
		hc.ScheduledAt = hc.ScheduledAt.UTC()
		hc.ExecutedAt = timePtr(executed)
		if passed.Valid {
			p := passed.Int64 != 0
			hc.Passed = &p
		}
		hc.TriggeredRollback = rollback != 0
		if err := json.Unmarshal([]byte(checks), &hc.Checks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal check results: %w", err)
		}
		out = append(out, &hc)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
