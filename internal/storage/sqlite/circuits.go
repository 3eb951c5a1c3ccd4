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

// GetCircuit fetches the circuit for a failure signature.
func (s *Store) GetCircuit(ctx context.Context, sig string) (*types.Circuit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT signature, repository, branch, error_pattern, state,
			failure_count, last_failure_at, opened_at, auto_reset_at, history
		FROM circuits WHERE signature = ?`, sig)
	return scanCircuit(row)
}

// UpsertCircuit writes the full circuit row. The breaker reads, mutates under
// its own lock, and writes back, so last-write-wins is safe here.
func (s *Store) UpsertCircuit(ctx context.Context, c *types.Circuit) error {
	if c.Signature == "" {
		return fmt.Errorf("signature is required")
	}
	history, err := marshalJSON(c.History, "[]")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO circuits (signature, repository, branch, error_pattern,
			state, failure_count, last_failure_at, opened_at, auto_reset_at, history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			last_failure_at = excluded.last_failure_at,
			opened_at = excluded.opened_at,
			auto_reset_at = excluded.auto_reset_at,
			history = excluded.history`,
		c.Signature, c.Repository, c.Branch, c.ErrorPattern,
		string(c.State), c.FailureCount, nullTime(c.LastFailureAt),
		nullTime(c.OpenedAt), nullTime(c.AutoResetAt), history)
	if err != nil {
		return fmt.Errorf("failed to upsert circuit: %w", err)
	}
	return nil
}

// ListCircuits returns circuits in the given state, or all circuits when the
// state is empty.
func (s *Store) ListCircuits(ctx context.Context, state types.CircuitState) ([]*types.Circuit, error) {
	query := `
		SELECT signature, repository, branch, error_pattern, state,
			failure_count, last_failure_at, opened_at, auto_reset_at, history
		FROM circuits`
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY repository, branch"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list circuits: %w", err)
	}
	defer rows.Close()

	var out []*types.Circuit
	for rows.Next() {
		c, err := scanCircuit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCircuit(row rowScanner) (*types.Circuit, error) {
	var c types.Circuit
	var state, history string
	var lastFailure, opened, autoReset sql.NullTime
	err := row.Scan(&c.Signature, &c.Repository, &c.Branch, &c.ErrorPattern,
		&state, &c.FailureCount, &lastFailure, &opened, &autoReset, &history)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan circuit: %w", err)
	}
	c.State = types.CircuitState(state)
	c.LastFailureAt = timePtr(lastFailure)
	c.OpenedAt = timePtr(opened)
	c.AutoResetAt = timePtr(autoReset)
	if err := json.Unmarshal([]byte(history), &c.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal circuit history: %w", err)
	}
	return &c, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
