// Package vcs provides an abstraction layer over the hosting provider's API:
// failed-run discovery, log retrieval, branch and file manipulation, pull
// requests, and deployment-based approval gating.
package vcs

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLogsExpired is returned when the provider has purged a run's logs.
	ErrLogsExpired = errors.New("run logs expired")

	// ErrFileNotFound is returned when a requested file does not exist at the
	// given ref.
	ErrFileNotFound = errors.New("file not found")
)

// WorkflowRun is one CI run as reported by the provider.
type WorkflowRun struct {
	ID           int64
	WorkflowName string
	HeadBranch   string
	HeadSHA      string
	Conclusion   string
	HTMLURL      string
	CreatedAt    time.Time
}

// FileChange is one file edit to commit.
type FileChange struct {
	Path    string
	Content []byte
	// SHA is the blob SHA of the existing file; empty for new files.
	SHA string
}

// PullRequest is the provider's view of an opened PR.
type PullRequest struct {
	Number int
	URL    string
}

// DeploymentState is the status of an environment-gated deployment.
type DeploymentState string

const (
	DeploymentPending  DeploymentState = "pending"
	DeploymentApproved DeploymentState = "approved"
	DeploymentRejected DeploymentState = "rejected"
)

// Client defines the provider operations the agent needs. All methods take
// repository as "owner/name".
type Client interface {
	// ListFailedRuns returns workflow runs that concluded in failure since the
	// given instant, newest first.
	ListFailedRuns(ctx context.Context, repository string, since time.Time) ([]WorkflowRun, error)

	// ListRecentRuns returns runs created since the given instant regardless
	// of conclusion. The health checker uses this to look for re-failures.
	ListRecentRuns(ctx context.Context, repository, branch string, since time.Time) ([]WorkflowRun, error)

	// GetRunLogTail fetches up to maxBytes from the end of a run's logs.
	// Returns ErrLogsExpired when the provider has purged them.
	GetRunLogTail(ctx context.Context, repository string, runID int64, maxBytes int64) (string, error)

	// GetFileContent fetches a file at a ref, returning its bytes and blob SHA.
	GetFileContent(ctx context.Context, repository, path, ref string) ([]byte, string, error)

	// GetBranchHead returns the head commit SHA of a branch.
	GetBranchHead(ctx context.Context, repository, branch string) (string, error)

	// CreateBranch creates a branch at the given commit.
	CreateBranch(ctx context.Context, repository, name, fromSHA string) error

	// DeleteBranch removes a branch. Used to clean up after rollback.
	DeleteBranch(ctx context.Context, repository, name string) error

	// CommitFile creates or updates one file on a branch.
	CommitFile(ctx context.Context, repository, branch, message string, change FileChange) error

	// CreatePullRequest opens a PR from head into base.
	CreatePullRequest(ctx context.Context, repository, title, body, head, base string) (*PullRequest, error)

	// ClosePullRequest closes a PR without merging.
	ClosePullRequest(ctx context.Context, repository string, number int) error

	// CreateComment adds a comment to a PR or issue.
	CreateComment(ctx context.Context, repository string, number int, body string) error

	// RequestReviewers asks the given users to review a PR.
	RequestReviewers(ctx context.Context, repository string, number int, reviewers []string) error

	// CreateDeployment creates an environment-gated deployment whose approval
	// state carries the human decision.
	CreateDeployment(ctx context.Context, repository, ref, environment, description string) (int64, error)

	// GetDeploymentState reports the current approval state of a deployment.
	GetDeploymentState(ctx context.Context, repository string, deploymentID int64) (DeploymentState, error)

	// DefaultBranch returns the repository's default branch name.
	DefaultBranch(ctx context.Context, repository string) (string, error)
}
