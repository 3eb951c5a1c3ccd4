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

// StoreSnapshot writes a snapshot and its file contents in one transaction.
func (s *Store) StoreSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if snap.SnapshotID == "" {
		return fmt.Errorf("snapshot_id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, repository, remediation_id, branch,
			base_commit_sha, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.Repository, snap.RemediationID, snap.Branch,
		snap.BaseCommitSHA, string(snap.Status), snap.CreatedAt.UTC(), snap.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	for _, f := range snap.Files {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshot_files (snapshot_id, path, content_hash, content)
			VALUES (?, ?, ?, ?)`,
			snap.SnapshotID, f.Path, f.ContentHash, f.Content)
		if err != nil {
			return fmt.Errorf("failed to store snapshot file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

// GetSnapshotByRemediation fetches the newest active snapshot for a
// remediation.
func (s *Store) GetSnapshotByRemediation(ctx context.Context, remediationID string) (*types.Snapshot, error) {
	var snapshotID string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_id FROM snapshots
		WHERE remediation_id = ? AND status = 'active'
		ORDER BY created_at DESC, snapshot_id DESC LIMIT 1`, remediationID).Scan(&snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find snapshot for %s: %w", remediationID, err)
	}
	return s.GetSnapshot(ctx, snapshotID)
}

// GetSnapshot fetches a snapshot with its file contents.
func (s *Store) GetSnapshot(ctx context.Context, snapshotID string) (*types.Snapshot, error) {
	var snap types.Snapshot
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, repository, remediation_id, branch, base_commit_sha,
			status, created_at, expires_at
		FROM snapshots WHERE snapshot_id = ?`, snapshotID).Scan(
		&snap.SnapshotID, &snap.Repository, &snap.RemediationID, &snap.Branch,
		&snap.BaseCommitSHA, &status, &snap.CreatedAt, &snap.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	snap.Status = types.SnapshotStatus(status)
	snap.CreatedAt = snap.CreatedAt.UTC()
	snap.ExpiresAt = snap.ExpiresAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, content_hash, content
		FROM snapshot_files WHERE snapshot_id = ? ORDER BY path`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot files: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f types.FileSnapshot
		if err := rows.Scan(&f.Path, &f.ContentHash, &f.Content); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot file: %w", err)
		}
		snap.Files = append(snap.Files, f)
	}
	return &snap, rows.Err()
}

// UpdateSnapshotStatus transitions a snapshot's lifecycle status.
func (s *Store) UpdateSnapshotStatus(ctx context.Context, snapshotID string, status types.SnapshotStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET status = ? WHERE snapshot_id = ?`,
		string(status), snapshotID)
	if err != nil {
		return fmt.Errorf("failed to update snapshot status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("snapshot %s not found", snapshotID)
	}
	return nil
}

// ListExpiredSnapshots returns active snapshots whose retention window has
// passed, without file contents. Used by the daily cleanup job.
func (s *Store) ListExpiredSnapshots(ctx context.Context, asOf time.Time) ([]*types.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, repository, remediation_id, branch, base_commit_sha,
			status, created_at, expires_at
		FROM snapshots WHERE status = 'active' AND expires_at <= ?`, asOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired snapshots: %w", err)
	}
	defer rows.Close()

	var out []*types.Snapshot
	for rows.Next() {
		var snap types.Snapshot
		var status string
		if err := rows.Scan(&snap.SnapshotID, &snap.Repository, &snap.RemediationID,
			&snap.Branch, &snap.BaseCommitSHA, &status, &snap.CreatedAt, &snap.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Status = types.SnapshotStatus(status)
		snap.CreatedAt = snap.CreatedAt.UTC()
		snap.ExpiresAt = snap.ExpiresAt.UTC()
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a snapshot and its files.
func (s *Store) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshot_files WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("failed to delete snapshot files: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return tx.Commit()
}
