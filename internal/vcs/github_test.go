package vcs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRepo(t *testing.T) {
	owner, name, err := splitRepo("acme/api")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "api", name)

	_, _, err = splitRepo("acme")
	assert.Error(t, err)
	_, _, err = splitRepo("/api")
	assert.Error(t, err)
}

// newTestGitHub points a GitHub client at a local test server.
func newTestGitHub(t *testing.T, srv *httptest.Server) *GitHub {
	t.Helper()
	client := github.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base
	return &GitHub{client: client, http: &http.Client{Timeout: 20 * time.Second}}
}

func TestCreateBranchSendsRefAndSHA(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/repos/acme/api/git/refs", r.URL.Path)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ref":"refs/heads/fix/x","object":{"sha":"abc123"}}`))
	}))
	defer srv.Close()

	g := newTestGitHub(t, srv)
	err := g.CreateBranch(context.Background(), "acme/api", "fix/x", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/fix/x", body["ref"])
	assert.Equal(t, "abc123", body["sha"])
}

func TestTailKeepsEnd(t *testing.T) {
	got, err := tail(strings.NewReader("abcdefghij"), 4)
	require.NoError(t, err)
	assert.Equal(t, "ghij", got)
}

func TestTailShortInput(t *testing.T) {
	got, err := tail(strings.NewReader("abc"), 1024)
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}
