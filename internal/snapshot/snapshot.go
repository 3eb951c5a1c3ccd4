// Package snapshot captures pre-change file state and restores it on
// rollback.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/signature"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
	"github.com/remedyops/remedy/internal/vcs"
)

// DefaultRetention is how long snapshots are kept before cleanup.
const DefaultRetention = 7 * 24 * time.Hour

// FileOutcome is the per-file result of a rollback.
type FileOutcome struct {
	Path    string `json:"path"`
	Written bool   `json:"written"`
	Note    string `json:"note,omitempty"`
}

// Manager captures and restores snapshots.
type Manager struct {
	store     storage.Storage
	vcs       vcs.Client
	clock     clock.Clock
	retention time.Duration
}

// Config configures the manager.
type Config struct {
	Storage   storage.Storage
	VCS       vcs.Client
	Clock     clock.Clock
	Retention time.Duration
}

// New creates a snapshot manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.VCS == nil {
		return nil, fmt.Errorf("vcs client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Manager{
		store:     cfg.Storage,
		vcs:       cfg.VCS,
		clock:     cfg.Clock,
		retention: cfg.Retention,
	}, nil
}

// Capture records the pre-change bytes of every file the remediation will
// touch, as of the failing commit. Any fetch error aborts the capture: a
// remediation without a complete snapshot must not proceed. Files that do not
// exist yet are recorded as empty so rollback can restore the absence-of-edit
// state.
func (m *Manager) Capture(ctx context.Context, f *types.Failure, paths []string) (*types.Snapshot, error) {
	now := m.clock.Now()
	snap := &types.Snapshot{
		SnapshotID:    ulid.Make().String(),
		Repository:    f.Repository,
		RemediationID: f.FailureID,
		Branch:        f.Branch,
		BaseCommitSHA: f.CommitSHA,
		Status:        types.SnapshotActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.retention),
	}

	for _, path := range paths {
		content, _, err := m.vcs.GetFileContent(ctx, f.Repository, path, f.CommitSHA)
		if err != nil {
			if errors.Is(err, vcs.ErrFileNotFound) {
				snap.Files = append(snap.Files, types.FileSnapshot{
					Path:        path,
					ContentHash: signature.HashContent(nil),
				})
				continue
			}
			return nil, fmt.Errorf("snapshot aborted, failed to capture %s: %w", path, err)
		}
		snap.Files = append(snap.Files, types.FileSnapshot{
			Path:        path,
			ContentHash: signature.HashContent(content),
			Content:     content,
		})
	}

	if err := m.store.StoreSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return snap, nil
}

// Rollback writes every captured file back onto the fix branch. It proceeds
// through per-file errors, reporting each outcome; partial is true when any
// file could not be restored. Renamed files are not chased, only the captured
// paths are written.
func (m *Manager) Rollback(ctx context.Context, snap *types.Snapshot, fixBranch string) (bool, []FileOutcome, error) {
	var outcomes []FileOutcome
	partial := false

	for _, file := range snap.Files {
		outcome := FileOutcome{Path: file.Path}

		current, blobSHA, err := m.vcs.GetFileContent(ctx, snap.Repository, file.Path, fixBranch)
		switch {
		case errors.Is(err, vcs.ErrFileNotFound):
			blobSHA = ""
		case err != nil:
			partial = true
			outcome.Note = fmt.Sprintf("failed to read current content: %v", err)
			outcomes = append(outcomes, outcome)
			continue
		default:
			if signature.HashContent(current) == file.ContentHash {
				outcome.Note = "already at snapshot content"
				outcomes = append(outcomes, outcome)
				continue
			}
		}

		err = m.vcs.CommitFile(ctx, snap.Repository, fixBranch,
			fmt.Sprintf("Revert %s to pre-remediation state", file.Path),
			vcs.FileChange{Path: file.Path, Content: file.Content, SHA: blobSHA})
		if err != nil {
			partial = true
			outcome.Note = fmt.Sprintf("failed to write: %v", err)
		} else {
			outcome.Written = true
		}
		outcomes = append(outcomes, outcome)
	}

	if err := m.store.UpdateSnapshotStatus(ctx, snap.SnapshotID, types.SnapshotRolledBack); err != nil {
		return partial, outcomes, fmt.Errorf("rollback applied but status update failed: %w", err)
	}
	return partial, outcomes, nil
}

// Cleanup removes snapshots past their retention window. Returns how many
// were removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpiredSnapshots(ctx, m.clock.Now())
	if err != nil {
		return 0, err
	}
	var removed int
	for _, snap := range expired {
		if err := m.store.DeleteSnapshot(ctx, snap.SnapshotID); err != nil {
			return removed, fmt.Errorf("failed to delete snapshot %s: %w", snap.SnapshotID, err)
		}
		removed++
	}
	return removed, nil
}
