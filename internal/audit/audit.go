// Package audit provides the append-only trail writer used at every decision
// and side-effect boundary.
package audit

import (
	"context"
	"fmt"

	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/storage"
	"github.com/remedyops/remedy/internal/types"
)

// Actor names used across the agent.
const (
	ActorAgent  = "remedy"
	ActorSystem = "system"
)

// Recorder appends audit entries. Append failures are returned, never
// swallowed; callers decide whether the operation can continue without its
// trail entry.
type Recorder struct {
	store storage.Storage
	clock clock.Clock
}

// New creates a recorder.
func New(store storage.Storage, clk clock.Clock) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Recorder{store: store, clock: clk}, nil
}

// Record appends one entry with the given outcome.
func (r *Recorder) Record(ctx context.Context, actor, actionKind, failureID string, outcome types.AuditOutcome, details map[string]string) error {
	return r.store.AppendAudit(ctx, &types.AuditEntry{
		Timestamp:  r.clock.Now(),
		Actor:      actor,
		ActionKind: actionKind,
		FailureID:  failureID,
		Outcome:    outcome,
		Details:    details,
	})
}

// RecordError appends a failure entry carrying the error text.
func (r *Recorder) RecordError(ctx context.Context, actor, actionKind, failureID string, opErr error, details map[string]string) error {
	e := &types.AuditEntry{
		Timestamp:  r.clock.Now(),
		Actor:      actor,
		ActionKind: actionKind,
		FailureID:  failureID,
		Outcome:    types.OutcomeFailure,
		Details:    details,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	return r.store.AppendAudit(ctx, e)
}
