package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

// GitHub implements Client against the GitHub REST API.
type GitHub struct {
	client *github.Client
	http   *http.Client
}

// NewGitHub creates a GitHub client authenticated with a token.
func NewGitHub(ctx context.Context, token string) (*GitHub, error) {
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := oauth2.NewClient(ctx, ts)
	hc.Timeout = 20 * time.Second
	return &GitHub{
		client: github.NewClient(hc),
		http:   &http.Client{Timeout: 20 * time.Second},
	}, nil
}

func splitRepo(repository string) (string, string, error) {
	owner, name, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", repository)
	}
	return owner, name, nil
}

// ListFailedRuns returns failed workflow runs created since the given instant.
func (g *GitHub) ListFailedRuns(ctx context.Context, repository string, since time.Time) ([]WorkflowRun, error) {
	return g.listRuns(ctx, repository, "", "failure", since)
}

// ListRecentRuns returns all runs on a branch created since the given instant.
func (g *GitHub) ListRecentRuns(ctx context.Context, repository, branch string, since time.Time) ([]WorkflowRun, error) {
	return g.listRuns(ctx, repository, branch, "", since)
}

func (g *GitHub) listRuns(ctx context.Context, repository, branch, status string, since time.Time) ([]WorkflowRun, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return nil, err
	}
	opts := &github.ListWorkflowRunsOptions{
		Created:     ">=" + since.UTC().Format(time.RFC3339),
		Branch:      branch,
		Status:      status,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []WorkflowRun
	for {
		runs, resp, err := g.client.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list workflow runs for %s: %w", repository, err)
		}
		for _, r := range runs.WorkflowRuns {
			out = append(out, WorkflowRun{
				ID:           r.GetID(),
				WorkflowName: r.GetName(),
				HeadBranch:   r.GetHeadBranch(),
				HeadSHA:      r.GetHeadSHA(),
				Conclusion:   r.GetConclusion(),
				HTMLURL:      r.GetHTMLURL(),
				CreatedAt:    r.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetRunLogTail fetches the log tail of the first failed job in a run.
// Providers purge logs after a retention window; that surfaces as
// ErrLogsExpired rather than a hard failure.
func (g *GitHub) GetRunLogTail(ctx context.Context, repository string, runID int64, maxBytes int64) (string, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return "", err
	}
	jobs, _, err := g.client.Actions.ListWorkflowJobs(ctx, owner, name, runID,
		&github.ListWorkflowJobsOptions{Filter: "latest", ListOptions: github.ListOptions{PerPage: 100}})
	if err != nil {
		return "", wrapGone(fmt.Errorf("failed to list jobs for run %d: %w", runID, err), err)
	}

	var jobID int64
	for _, j := range jobs.Jobs {
		if j.GetConclusion() == "failure" {
			jobID = j.GetID()
			break
		}
	}
	if jobID == 0 && len(jobs.Jobs) > 0 {
		jobID = jobs.Jobs[len(jobs.Jobs)-1].GetID()
	}
	if jobID == 0 {
		return "", nil
	}

	logURL, _, err := g.client.Actions.GetWorkflowJobLogs(ctx, owner, name, jobID, 3)
	if err != nil {
		return "", wrapGone(fmt.Errorf("failed to get log URL for job %d: %w", jobID, err), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build log request: %w", err)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusGone {
		return "", ErrLogsExpired
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("log fetch returned %d", resp.StatusCode)
	}
	return tail(resp.Body, maxBytes)
}

// tail reads r to completion keeping only the last maxBytes.
func tail(r io.Reader, maxBytes int64) (string, error) {
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}
	buf := make([]byte, 0, maxBytes)
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if int64(len(buf)) > maxBytes {
				buf = buf[int64(len(buf))-maxBytes:]
			}
		}
		if err == io.EOF {
			return string(buf), nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to read logs: %w", err)
		}
	}
}

func wrapGone(wrapped, original error) error {
	var ghErr *github.ErrorResponse
	if errors.As(original, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusGone {
		return ErrLogsExpired
	}
	return wrapped
}

// GetFileContent fetches one file's bytes and blob SHA at a ref.
func (g *GitHub) GetFileContent(ctx context.Context, repository, path, ref string) ([]byte, string, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return nil, "", err
	}
	file, _, resp, err := g.client.Repositories.GetContents(ctx, owner, name, path,
		&github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, "", ErrFileNotFound
		}
		return nil, "", fmt.Errorf("failed to get %s@%s: %w", path, ref, err)
	}
	if file == nil {
		return nil, "", fmt.Errorf("%s is a directory", path)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return []byte(content), file.GetSHA(), nil
}

// GetBranchHead returns the head commit SHA of a branch.
func (g *GitHub) GetBranchHead(ctx context.Context, repository, branch string) (string, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return "", err
	}
	ref, _, err := g.client.Git.GetRef(ctx, owner, name, "heads/"+branch)
	if err != nil {
		return "", fmt.Errorf("failed to get head of %s: %w", branch, err)
	}
	return ref.GetObject().GetSHA(), nil
}

// CreateBranch creates a branch at the given commit.
func (g *GitHub) CreateBranch(ctx context.Context, repository, name, fromSHA string) error {
	owner, repo, err := splitRepo(repository)
	if err != nil {
		return err
	}
	_, _, err = g.client.Git.CreateRef(ctx, owner, repo, github.CreateRef{
		Ref: "refs/heads/" + name,
		SHA: fromSHA,
	})
	if err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	return nil
}

// DeleteBranch removes a branch.
func (g *GitHub) DeleteBranch(ctx context.Context, repository, name string) error {
	owner, repo, err := splitRepo(repository)
	if err != nil {
		return err
	}
	if _, err := g.client.Git.DeleteRef(ctx, owner, repo, "heads/"+name); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", name, err)
	}
	return nil
}

// CommitFile creates or updates one file on a branch.
func (g *GitHub) CommitFile(ctx context.Context, repository, branch, message string, change FileChange) error {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return err
	}
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(message),
		Content: change.Content,
		Branch:  github.Ptr(branch),
	}
	if change.SHA != "" {
		opts.SHA = github.Ptr(change.SHA)
		_, _, err = g.client.Repositories.UpdateFile(ctx, owner, name, change.Path, opts)
	} else {
		_, _, err = g.client.Repositories.CreateFile(ctx, owner, name, change.Path, opts)
	}
	if err != nil {
		return fmt.Errorf("failed to commit %s on %s: %w", change.Path, branch, err)
	}
	return nil
}

// CreatePullRequest opens a PR from head into base.
func (g *GitHub) CreatePullRequest(ctx context.Context, repository, title, body, head, base string) (*PullRequest, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return nil, err
	}
	pr, _, err := g.client.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

// ClosePullRequest closes a PR without merging.
func (g *GitHub) ClosePullRequest(ctx context.Context, repository string, number int) error {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return err
	}
	_, _, err = g.client.PullRequests.Edit(ctx, owner, name, number, &github.PullRequest{
		State: github.Ptr("closed"),
	})
	if err != nil {
		return fmt.Errorf("failed to close pull request #%d: %w", number, err)
	}
	return nil
}

// CreateComment adds a comment to a PR or issue.
func (g *GitHub) CreateComment(ctx context.Context, repository string, number int, body string) error {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return err
	}
	_, _, err = g.client.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{
		Body: github.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("failed to comment on #%d: %w", number, err)
	}
	return nil
}

// RequestReviewers asks the given users to review a PR.
func (g *GitHub) RequestReviewers(ctx context.Context, repository string, number int, reviewers []string) error {
	if len(reviewers) == 0 {
		return nil
	}
	owner, name, err := splitRepo(repository)
	if err != nil {
		return err
	}
	_, _, err = g.client.PullRequests.RequestReviewers(ctx, owner, name, number,
		github.ReviewersRequest{Reviewers: reviewers})
	if err != nil {
		return fmt.Errorf("failed to request reviewers on #%d: %w", number, err)
	}
	return nil
}

// CreateDeployment creates an environment-gated deployment. Approving or
// rejecting the deployment in the provider UI is the human approval signal.
func (g *GitHub) CreateDeployment(ctx context.Context, repository, ref, environment, description string) (int64, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return 0, err
	}
	dep, _, err := g.client.Repositories.CreateDeployment(ctx, owner, name, &github.DeploymentRequest{
		Ref:              github.Ptr(ref),
		Environment:      github.Ptr(environment),
		Description:      github.Ptr(description),
		AutoMerge:        github.Ptr(false),
		RequiredContexts: &[]string{},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create deployment: %w", err)
	}
	return dep.GetID(), nil
}

// GetDeploymentState reports the approval state of a deployment by its most
// recent status.
func (g *GitHub) GetDeploymentState(ctx context.Context, repository string, deploymentID int64) (DeploymentState, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return "", err
	}
	statuses, _, err := g.client.Repositories.ListDeploymentStatuses(ctx, owner, name, deploymentID,
		&github.ListOptions{PerPage: 1})
	if err != nil {
		return "", fmt.Errorf("failed to list deployment statuses: %w", err)
	}
	if len(statuses) == 0 {
		return DeploymentPending, nil
	}
	switch statuses[0].GetState() {
	case "success", "in_progress", "queued":
		return DeploymentApproved, nil
	case "failure", "error":
		return DeploymentRejected, nil
	default:
		return DeploymentPending, nil
	}
}

// DefaultBranch returns the repository's default branch name.
func (g *GitHub) DefaultBranch(ctx context.Context, repository string) (string, error) {
	owner, name, err := splitRepo(repository)
	if err != nil {
		return "", err
	}
	repo, _, err := g.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return "", fmt.Errorf("failed to get repository %s: %w", repository, err)
	}
	return repo.GetDefaultBranch(), nil
}
