// Package storage defines the interface for durable agent state.
//
// The store is the only cross-task mutable resource: every component writes
// through it, and the orchestrator recovers in-flight work from it on startup.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/remedyops/remedy/internal/types"
)

// ErrNotFound is returned by Get* methods when no row matches.
var ErrNotFound = errors.New("not found")

// FailureFilter narrows failure listings.
type FailureFilter struct {
	Repository string
	Status     types.FailureStatus
	Since      time.Time
	Limit      int
}

// AuditFilter narrows audit trail queries.
type AuditFilter struct {
	FailureID  string
	ActionKind string
	Actor      string
	Since      time.Time
	Limit      int
}

// MetricFilter narrows remediation metric queries.
type MetricFilter struct {
	Repository string
	Since      time.Time
}

// Storage is the interface for the agent's durable state backend.
type Storage interface {
	// Failures
	CreateFailure(ctx context.Context, f *types.Failure) error
	GetFailure(ctx context.Context, failureID string) (*types.Failure, error)
	FailureExists(ctx context.Context, repository string, workflowRunID int64) (bool, error)
	UpdateFailureStatus(ctx context.Context, failureID string, status types.FailureStatus, reason string) error
	SetFailurePR(ctx context.Context, failureID string, prNumber int, prURL string) error
	ListFailures(ctx context.Context, filter FailureFilter) ([]*types.Failure, error)
	CountFailuresSince(ctx context.Context, since time.Time) (int, error)

	// Analyses
	StoreAnalysis(ctx context.Context, a *types.Analysis) error
	GetAnalysis(ctx context.Context, failureID string) (*types.Analysis, error)

	// Decision records (explainability ledger)
	AppendDecision(ctx context.Context, d *types.DecisionRecord) error
	GetDecisions(ctx context.Context, failureID string) ([]*types.DecisionRecord, error)

	// Circuit breaker state
	GetCircuit(ctx context.Context, sig string) (*types.Circuit, error)
	UpsertCircuit(ctx context.Context, c *types.Circuit) error
	ListCircuits(ctx context.Context, state types.CircuitState) ([]*types.Circuit, error)

	// Snapshots
	StoreSnapshot(ctx context.Context, s *types.Snapshot) error
	GetSnapshot(ctx context.Context, snapshotID string) (*types.Snapshot, error)
	GetSnapshotByRemediation(ctx context.Context, remediationID string) (*types.Snapshot, error)
	UpdateSnapshotStatus(ctx context.Context, snapshotID string, status types.SnapshotStatus) error
	ListExpiredSnapshots(ctx context.Context, asOf time.Time) ([]*types.Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error

	// Health checks
	StoreHealthCheck(ctx context.Context, hc *types.HealthCheck) error
	ResolveHealthCheck(ctx context.Context, hc *types.HealthCheck) error
	ListPendingHealthChecks(ctx context.Context) ([]*types.HealthCheck, error)

	// Approval requests
	StoreApprovalRequest(ctx context.Context, r *types.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, requestID string) (*types.ApprovalRequest, error)
	ResolveApprovalRequest(ctx context.Context, requestID string, status types.ApprovalStatus, resolvedBy string, at time.Time) error
	ListPendingApprovals(ctx context.Context) ([]*types.ApprovalRequest, error)

	// Pattern memory
	StorePattern(ctx context.Context, p *types.Pattern) error
	ListPatterns(ctx context.Context, repository string) ([]*types.Pattern, error)
	CountPatterns(ctx context.Context) (int, error)
	PrunePatterns(ctx context.Context, repository string, keep int) (int, error)

	// Audit trail (append-only)
	AppendAudit(ctx context.Context, e *types.AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]*types.AuditEntry, error)

	// Remediation metrics and classification feedback
	StoreMetric(ctx context.Context, m *types.RemediationMetric) error
	ListMetrics(ctx context.Context, filter MetricFilter) ([]*types.RemediationMetric, error)
	StoreFeedback(ctx context.Context, fb *types.ClassificationFeedback) error
	ListFeedback(ctx context.Context) ([]*types.ClassificationFeedback, error)

	// Personality profiles (cached computed snapshots)
	StoreProfile(ctx context.Context, p *types.PersonalityProfile) error
	GetProfile(ctx context.Context, repository string) (*types.PersonalityProfile, error)

	Close() error
}
