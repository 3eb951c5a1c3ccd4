package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/remedyops/remedy/internal/types"
)

// StorePattern persists one learned (failure, fix) pair.
func (s *Store) StorePattern(ctx context.Context, p *types.Pattern) error {
	if p.PatternID == "" {
		return fmt.Errorf("pattern_id is required")
	}
	files, err := marshalJSON(p.FilesModified, "[]")
	if err != nil {
		return err
	}
	cmds, err := marshalJSON(p.FixCommands, "[]")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (pattern_id, repository, branch, failure_reason,
			category, error_signature, proposed_fix, files_modified,
			fix_commands, fix_successful, risk_score, resolution_time_ms,
			embedding, embedding_family, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PatternID, p.Repository, p.Branch, p.FailureReason,
		p.Category, p.ErrorSignature, p.ProposedFix, files,
		cmds, boolInt(p.FixSuccessful), p.RiskScore, p.ResolutionTimeMS,
		encodeEmbedding(p.Embedding), string(p.EmbeddingFamily), p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store pattern: %w", err)
	}
	return nil
}

// ListPatterns returns patterns for a repository, or all patterns when the
// repository is empty. Newest first.
func (s *Store) ListPatterns(ctx context.Context, repository string) ([]*types.Pattern, error) {
	query := `
		SELECT pattern_id, repository, branch, failure_reason, category,
			error_signature, proposed_fix, files_modified, fix_commands,
			fix_successful, risk_score, resolution_time_ms, embedding,
			embedding_family, created_at
		FROM patterns`
	var args []any
	if repository != "" {
		query += " WHERE repository = ?"
		args = append(args, repository)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var out []*types.Pattern
	for rows.Next() {
		var p types.Pattern
		var files, cmds, family string
		var successful int
		var embedding []byte
		if err := rows.Scan(&p.PatternID, &p.Repository, &p.Branch, &p.FailureReason,
			&p.Category, &p.ErrorSignature, &p.ProposedFix, &files, &cmds,
			&successful, &p.RiskScore, &p.ResolutionTimeMS, &embedding,
			&family, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.FixSuccessful = successful != 0
		p.Embedding = decodeEmbedding(embedding)
		p.EmbeddingFamily = types.EmbeddingFamily(family)
		p.CreatedAt = p.CreatedAt.UTC()
		if err := json.Unmarshal([]byte(files), &p.FilesModified); err != nil {
			return nil, fmt.Errorf("failed to unmarshal files_modified: %w", err)
		}
		if err := json.Unmarshal([]byte(cmds), &p.FixCommands); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fix_commands: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CountPatterns returns the total number of stored patterns.
func (s *Store) CountPatterns(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patterns`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count patterns: %w", err)
	}
	return n, nil
}

// PrunePatterns deletes the oldest patterns for a repository beyond the keep
// limit and returns how many were removed.
func (s *Store) PrunePatterns(ctx context.Context, repository string, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM patterns WHERE repository = ? AND pattern_id NOT IN (
			SELECT pattern_id FROM patterns WHERE repository = ?
			ORDER BY created_at DESC LIMIT ?
		)`, repository, repository, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune patterns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}
