// Package types defines the core data model shared across the remedy agent:
// failures, analyses, snapshots, circuit states, patterns, and audit records.
package types

import (
	"fmt"
	"time"
)

// Failure is a detected CI workflow failure. It is owned by the orchestrator
// state machine; all mutation happens through store updates under per-failure
// serialization.
type Failure struct {
	FailureID     string        `json:"failure_id"`
	Repository    string        `json:"repository"` // owner/name
	Branch        string        `json:"branch"`
	WorkflowName  string        `json:"workflow_name"`
	WorkflowRunID int64         `json:"workflow_run_id"`
	CommitSHA     string        `json:"commit_sha"`
	FailureReason string        `json:"failure_reason"`
	Logs          string        `json:"logs,omitempty"` // bounded tail, see poller
	Status        FailureStatus `json:"status"`
	StatusReason  string        `json:"status_reason,omitempty"` // human-readable reason for terminal states
	PRNumber      int           `json:"pr_number,omitempty"`
	PRURL         string        `json:"pr_url,omitempty"`
	DetectedAt    time.Time     `json:"detected_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Validate checks required failure fields.
func (f *Failure) Validate() error {
	if f.FailureID == "" {
		return fmt.Errorf("failure_id is required")
	}
	if f.Repository == "" {
		return fmt.Errorf("repository is required")
	}
	if f.WorkflowRunID == 0 {
		return fmt.Errorf("workflow_run_id is required")
	}
	if !f.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", f.Status)
	}
	return nil
}

// FailureStatus tracks a failure through the remediation state machine.
type FailureStatus string

const (
	StatusDetected          FailureStatus = "detected"
	StatusAnalyzed          FailureStatus = "analyzed"
	StatusGated             FailureStatus = "gated"
	StatusPROpen            FailureStatus = "pr_open"
	StatusRemediated        FailureStatus = "remediated"
	StatusRolledBack        FailureStatus = "rolled_back"
	StatusFailed            FailureStatus = "failed"
	StatusDeveloperNotified FailureStatus = "developer_notified"
)

// IsValid checks if the status value is valid.
func (s FailureStatus) IsValid() bool {
	switch s {
	case StatusDetected, StatusAnalyzed, StatusGated, StatusPROpen,
		StatusRemediated, StatusRolledBack, StatusFailed, StatusDeveloperNotified:
		return true
	}
	return false
}

// IsTerminal reports whether the status is final. Terminal failures are never
// mutated again.
func (s FailureStatus) IsTerminal() bool {
	switch s {
	case StatusRemediated, StatusRolledBack, StatusFailed, StatusDeveloperNotified:
		return true
	}
	return false
}

// ErrorType is the coarse classification the model assigns to a failure.
type ErrorType string

const (
	ErrorTypeDevOps    ErrorType = "devops"
	ErrorTypeDeveloper ErrorType = "developer"
)

// IsValid checks if the error type value is valid.
func (t ErrorType) IsValid() bool {
	return t == ErrorTypeDevOps || t == ErrorTypeDeveloper
}

// Effort is the model's effort estimate for applying a fix.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// IsValid checks if the effort value is valid.
func (e Effort) IsValid() bool {
	return e == EffortLow || e == EffortMedium || e == EffortHigh
}

// Well-known failure categories. Category is an open string on Analysis; these
// constants cover the categories the blast radius and personality tables key
// on.
const (
	CategoryDependency     = "dependency"
	CategoryTimeout        = "timeout"
	CategoryConfig         = "config"
	CategoryFlakyTest      = "flaky_test"
	CategoryInfrastructure = "infrastructure"
	CategoryTestFailure    = "test_failure"
	CategoryBuildError     = "build_error"
	CategoryLintError      = "lint_error"
)

// Analysis is the model's classification of a failure plus its proposed fix.
// Immutable once stored.
type Analysis struct {
	FailureID          string    `json:"failure_id"`
	ErrorType          ErrorType `json:"error_type"`
	Category           string    `json:"category"`
	RiskScore          int       `json:"risk_score"` // 0-10
	Confidence         int       `json:"confidence"` // 0-100, post-adjustment
	Effort             Effort    `json:"effort_estimate"`
	ProposedFix        string    `json:"proposed_fix"`
	FilesToModify      []string  `json:"files_to_modify"`
	FixCommands        []string  `json:"fix_commands,omitempty"`
	Reasoning          string    `json:"reasoning"`
	AffectedComponents []string  `json:"affected_components,omitempty"`
	ModelID            string    `json:"model_id"`
	ResponseLatencyMS  int64     `json:"response_latency_ms"`
	CreatedAt          time.Time `json:"created_at"`
}

// Validate enforces required enum fields and score bounds. The classifier
// rejects model output that fails this rather than guessing defaults.
func (a *Analysis) Validate() error {
	if a.FailureID == "" {
		return fmt.Errorf("failure_id is required")
	}
	if !a.ErrorType.IsValid() {
		return fmt.Errorf("invalid error_type: %q", a.ErrorType)
	}
	if a.RiskScore < 0 || a.RiskScore > 10 {
		return fmt.Errorf("risk_score must be between 0 and 10 (got %d)", a.RiskScore)
	}
	if a.Confidence < 0 || a.Confidence > 100 {
		return fmt.Errorf("confidence must be between 0 and 100 (got %d)", a.Confidence)
	}
	if !a.Effort.IsValid() {
		return fmt.Errorf("invalid effort_estimate: %q", a.Effort)
	}
	return nil
}

// DecisionKind identifies which AI decision a DecisionRecord explains.
type DecisionKind string

const (
	DecisionClassification DecisionKind = "classification"
	DecisionFixGeneration  DecisionKind = "fix_generation"
	DecisionRiskAssessment DecisionKind = "risk_assessment"
	DecisionFileSelection  DecisionKind = "file_selection"
	DecisionSafetyGate     DecisionKind = "safety_gate"
)

// Alternative is an option the decision considered and rejected.
type Alternative struct {
	Option          string  `json:"option"`
	Score           float64 `json:"score"`
	RejectionReason string  `json:"rejection_reason"`
}

// DecisionRecord is one entry in the explainability ledger. Written at each
// AI decision point, never mutated.
type DecisionRecord struct {
	ID            int64         `json:"id"`
	FailureID     string        `json:"failure_id"`
	Kind          DecisionKind  `json:"kind"`
	Chosen        string        `json:"chosen"`
	Alternatives  []Alternative `json:"alternatives,omitempty"`
	ContextDigest string        `json:"context_digest"`
	Confidence    int           `json:"confidence"`
	CreatedAt     time.Time     `json:"created_at"`
}

// CircuitState is the circuit breaker state machine position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// StateTransition records one circuit breaker transition.
type StateTransition struct {
	From   CircuitState `json:"from"`
	To     CircuitState `json:"to"`
	Reason string       `json:"reason"`
	Actor  string       `json:"actor"`
	At     time.Time    `json:"at"`
}

// Circuit is the persisted state for one failure signature. Created lazily on
// first failure, never deleted.
type Circuit struct {
	Signature     string            `json:"signature"`
	Repository    string            `json:"repository"`
	Branch        string            `json:"branch"`
	ErrorPattern  string            `json:"error_pattern"` // normalized reason, for operators
	State         CircuitState      `json:"state"`
	FailureCount  int               `json:"failure_count"`
	LastFailureAt *time.Time        `json:"last_failure_at,omitempty"`
	OpenedAt      *time.Time        `json:"opened_at,omitempty"`
	AutoResetAt   *time.Time        `json:"auto_reset_at,omitempty"`
	History       []StateTransition `json:"history"`
}

// SnapshotStatus tracks a snapshot through its lifecycle.
type SnapshotStatus string

const (
	SnapshotActive     SnapshotStatus = "active"
	SnapshotRolledBack SnapshotStatus = "rolled_back"
	SnapshotExpired    SnapshotStatus = "expired"
)

// FileSnapshot captures one file's bytes as of the snapshot's base commit.
type FileSnapshot struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	Content     []byte `json:"-"`
}

// Snapshot is a pre-edit capture of the files a remediation will touch. It is
// the target of rollback.
type Snapshot struct {
	SnapshotID    string         `json:"snapshot_id"`
	Repository    string         `json:"repository"`
	RemediationID string         `json:"remediation_id"` // failure_id of the remediation
	Branch        string         `json:"branch"`
	BaseCommitSHA string         `json:"base_commit_sha"`
	Files         []FileSnapshot `json:"files"`
	Status        SnapshotStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// CheckResult is one rule evaluated during a health check.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// HealthCheck is a scheduled post-remediation verification. Resolved exactly
// once; unexecuted checks are rescheduled on startup.
type HealthCheck struct {
	CheckID           string        `json:"check_id"`
	RemediationID     string        `json:"remediation_id"`
	SnapshotID        string        `json:"snapshot_id"`
	Repository        string        `json:"repository"`
	Branch            string        `json:"branch"`
	ScheduledAt       time.Time     `json:"scheduled_at"`
	ExecutedAt        *time.Time    `json:"executed_at,omitempty"`
	Passed            *bool         `json:"passed,omitempty"`
	Checks            []CheckResult `json:"checks,omitempty"`
	TriggeredRollback bool          `json:"triggered_rollback"`
}

// ApprovalStatus tracks an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is created when the safety gate requires a human before a
// remediation merges. Terminal on resolve or expiry.
type ApprovalRequest struct {
	RequestID         string         `json:"request_id"`
	FailureID         string         `json:"failure_id"`
	Repository        string         `json:"repository"`
	PRNumber          int            `json:"pr_number"`
	DeploymentID      int64          `json:"deployment_id"`
	EnvironmentName   string         `json:"environment_name"`
	RequiredReviewers []string       `json:"required_reviewers"`
	Status            ApprovalStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy        string         `json:"resolved_by,omitempty"`
}

// EmbeddingFamily identifies how a pattern's embedding was produced.
// Similarity queries never mix families.
type EmbeddingFamily string

const (
	EmbeddingRemote EmbeddingFamily = "remote"
	EmbeddingLocal  EmbeddingFamily = "local"
)

// Pattern is a stored (failure, fix) pair recalled by similarity to bias
// future classification. Inserted only after a confirmed outcome.
type Pattern struct {
	PatternID        string          `json:"pattern_id"`
	Repository       string          `json:"repository"`
	Branch           string          `json:"branch"`
	FailureReason    string          `json:"failure_reason"`
	Category         string          `json:"category"`
	ErrorSignature   string          `json:"error_signature"`
	ProposedFix      string          `json:"proposed_fix"`
	FilesModified    []string        `json:"files_modified"`
	FixCommands      []string        `json:"fix_commands,omitempty"`
	FixSuccessful    bool            `json:"fix_successful"`
	RiskScore        int             `json:"risk_score"`
	ResolutionTimeMS int64           `json:"resolution_time_ms"`
	Embedding        []float32       `json:"-"`
	EmbeddingFamily  EmbeddingFamily `json:"embedding_family"`
	CreatedAt        time.Time       `json:"created_at"`
}

// DetectedPattern is one behavioral flag on a repository profile.
type DetectedPattern struct {
	Type             string  `json:"type"`
	Frequency        float64 `json:"frequency"`
	Description      string  `json:"description"`
	ConfidenceAdjust float64 `json:"confidence_adjust"` // -0.2..+0.2
	Recommendation   string  `json:"recommendation"`
}

// PersonalityProfile holds trailing-window behavioral statistics for one
// repository, used to adjust model confidence.
type PersonalityProfile struct {
	Repository           string            `json:"repository"`
	TotalFailures        int               `json:"total_failures"`
	CategoryHistogram    map[string]int    `json:"category_histogram"`
	DayOfWeekHistogram   map[string]int    `json:"day_of_week_histogram"`
	HourHistogram        map[int]int       `json:"hour_histogram"`
	DominantCategory     string            `json:"dominant_category"`
	FlakyRate            float64           `json:"flaky_rate"`
	AvgResolutionMinutes float64           `json:"avg_resolution_minutes"`
	SuccessRate          float64           `json:"success_rate"`
	Patterns             []DetectedPattern `json:"patterns"`
	ComputedAt           time.Time         `json:"computed_at"`
}

// AuditOutcome is the result recorded on an audit entry.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
	OutcomePending AuditOutcome = "pending"
)

// AuditEntry is one append-only audit trail record.
type AuditEntry struct {
	ID         int64             `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Actor      string            `json:"actor"`
	ActionKind string            `json:"action_kind"`
	FailureID  string            `json:"failure_id,omitempty"`
	Outcome    AuditOutcome      `json:"outcome"`
	Details    map[string]string `json:"details,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// RemediationMetric is the per-failure latency and outcome record feeding the
// personality profiler and the alerting engine.
type RemediationMetric struct {
	MetricID           string    `json:"metric_id"`
	FailureID          string    `json:"failure_id"`
	Repository         string    `json:"repository"`
	Category           string    `json:"category"`
	RiskScore          int       `json:"risk_score"`
	DetectionLatencyMS int64     `json:"detection_latency_ms"`
	AnalysisLatencyMS  int64     `json:"analysis_latency_ms"`
	TotalLatencyMS     int64     `json:"total_latency_ms"`
	Success            bool      `json:"remediation_success"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// ClassificationFeedback records predicted vs actual category for later
// accuracy analysis.
type ClassificationFeedback struct {
	FailureID         string    `json:"failure_id"`
	PredictedCategory string    `json:"predicted_category"`
	ActualCategory    string    `json:"actual_category"`
	RecordedAt        time.Time `json:"recorded_at"`
}
