package vcs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Client for tests. State is keyed the same way the
// real provider keys it: files by ref (branch name or commit SHA), branches
// by name.
type Fake struct {
	mu sync.Mutex

	Branches    map[string]string            // branch -> head SHA
	Files       map[string]map[string][]byte // ref -> path -> content
	Runs        []WorkflowRun
	Logs        map[int64]string
	PRs         []FakePR
	Comments    map[int][]string
	Reviewers   map[int][]string
	Deployments map[int64]DeploymentState
	Default     string

	nextPR         int
	nextDeployment int64
}

// FakePR records one opened pull request.
type FakePR struct {
	Number int
	Title  string
	Body   string
	Head   string
	Base   string
	Closed bool
}

// NewFake creates an empty fake with a default branch of main.
func NewFake() *Fake {
	return &Fake{
		Branches:    map[string]string{},
		Files:       map[string]map[string][]byte{},
		Logs:        map[int64]string{},
		Comments:    map[int][]string{},
		Reviewers:   map[int][]string{},
		Deployments: map[int64]DeploymentState{},
		Default:     "main",
		nextPR:      1,
	}
}

// SeedFile places content at a ref.
func (f *Fake) SeedFile(ref, path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Files[ref] == nil {
		f.Files[ref] = map[string][]byte{}
	}
	f.Files[ref][path] = content
}

func (f *Fake) ListFailedRuns(_ context.Context, _ string, since time.Time) ([]WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []WorkflowRun
	for _, r := range f.Runs {
		if r.Conclusion == "failure" && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *Fake) ListRecentRuns(_ context.Context, _ string, branch string, since time.Time) ([]WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []WorkflowRun
	for _, r := range f.Runs {
		if r.HeadBranch == branch && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *Fake) GetRunLogTail(_ context.Context, _ string, runID int64, maxBytes int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log, ok := f.Logs[runID]
	if !ok {
		return "", ErrLogsExpired
	}
	if maxBytes > 0 && int64(len(log)) > maxBytes {
		log = log[int64(len(log))-maxBytes:]
	}
	return log, nil
}

func (f *Fake) GetFileContent(_ context.Context, _ string, path, ref string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.Files[ref][path]
	if !ok {
		return nil, "", ErrFileNotFound
	}
	return content, fmt.Sprintf("blob-%s-%s", ref, path), nil
}

func (f *Fake) GetBranchHead(_ context.Context, _ string, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sha, ok := f.Branches[branch]
	if !ok {
		return "", fmt.Errorf("branch %s not found", branch)
	}
	return sha, nil
}

func (f *Fake) CreateBranch(_ context.Context, _ string, name, fromSHA string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.Branches[name]; exists {
		return fmt.Errorf("branch %s already exists", name)
	}
	f.Branches[name] = fromSHA
	// The new branch sees the files of its source ref.
	files := map[string][]byte{}
	for path, content := range f.Files[fromSHA] {
		files[path] = content
	}
	f.Files[name] = files
	return nil
}

func (f *Fake) DeleteBranch(_ context.Context, _ string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Branches, name)
	delete(f.Files, name)
	return nil
}

func (f *Fake) CommitFile(_ context.Context, _ string, branch, _ string, change FileChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Branches[branch]; !ok {
		return fmt.Errorf("branch %s not found", branch)
	}
	if f.Files[branch] == nil {
		f.Files[branch] = map[string][]byte{}
	}
	f.Files[branch][change.Path] = change.Content
	f.Branches[branch] = f.Branches[branch] + "'"
	return nil
}

func (f *Fake) CreatePullRequest(_ context.Context, _ string, title, body, head, base string) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := FakePR{Number: f.nextPR, Title: title, Body: body, Head: head, Base: base}
	f.nextPR++
	f.PRs = append(f.PRs, pr)
	return &PullRequest{
		Number: pr.Number,
		URL:    fmt.Sprintf("https://example.com/pr/%d", pr.Number),
	}, nil
}

func (f *Fake) ClosePullRequest(_ context.Context, _ string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.PRs {
		if f.PRs[i].Number == number {
			f.PRs[i].Closed = true
			return nil
		}
	}
	return fmt.Errorf("pr %d not found", number)
}

func (f *Fake) CreateComment(_ context.Context, _ string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Comments[number] = append(f.Comments[number], body)
	return nil
}

func (f *Fake) RequestReviewers(_ context.Context, _ string, number int, reviewers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reviewers[number] = append(f.Reviewers[number], reviewers...)
	return nil
}

func (f *Fake) CreateDeployment(_ context.Context, _ string, _, _, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextDeployment++
	f.Deployments[f.nextDeployment] = DeploymentPending
	return f.nextDeployment, nil
}

func (f *Fake) GetDeploymentState(_ context.Context, _ string, deploymentID int64) (DeploymentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.Deployments[deploymentID]
	if !ok {
		return "", fmt.Errorf("deployment %d not found", deploymentID)
	}
	return state, nil
}

// SetDeploymentState simulates a human approving or rejecting.
func (f *Fake) SetDeploymentState(deploymentID int64, state DeploymentState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deployments[deploymentID] = state
}

func (f *Fake) DefaultBranch(_ context.Context, _ string) (string, error) {
	return f.Default, nil
}

var _ Client = (*Fake)(nil)
