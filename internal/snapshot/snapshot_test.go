package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/types"
	"github.com/remedyops/remedy/internal/vcs"
)

func newManager(t *testing.T) (*Manager, *vcs.Fake, *sqlite.Store, *clock.Manual) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := vcs.NewFake()
	mc := clock.NewManual(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	m, err := New(Config{Storage: store, VCS: fake, Clock: mc})
	require.NoError(t, err)
	return m, fake, store, mc
}

func failing() *types.Failure {
	return &types.Failure{
		FailureID:     "f-1",
		Repository:    "acme/api",
		Branch:        "main",
		WorkflowName:  "ci",
		WorkflowRunID: 100,
		CommitSHA:     "sha-broken",
		FailureReason: "npm install timeout",
		Status:        types.StatusGated,
	}
}

func TestCaptureStoresPreChangeBytes(t *testing.T) {
	m, fake, store, _ := newManager(t)
	fake.SeedFile("sha-broken", "package.json", []byte(`{"timeout": 30}`))

	snap, err := m.Capture(context.Background(), failing(), []string{"package.json"})
	require.NoError(t, err)
	require.Len(t, snap.Files, 1)
	assert.Equal(t, []byte(`{"timeout": 30}`), snap.Files[0].Content)
	assert.Equal(t, types.SnapshotActive, snap.Status)
	assert.Equal(t, "sha-broken", snap.BaseCommitSHA)

	stored, err := store.GetSnapshot(context.Background(), snap.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, snap.Files[0].ContentHash, stored.Files[0].ContentHash)
}

func TestCaptureRecordsMissingFilesAsEmpty(t *testing.T) {
	m, _, _, _ := newManager(t)
	snap, err := m.Capture(context.Background(), failing(), []string{"new-config.yml"})
	require.NoError(t, err)
	require.Len(t, snap.Files, 1)
	assert.Empty(t, snap.Files[0].Content)
}

func TestRollbackRestoresCapturedContent(t *testing.T) {
	m, fake, _, _ := newManager(t)
	fake.SeedFile("sha-broken", "package.json", []byte("original"))

	snap, err := m.Capture(context.Background(), failing(), []string{"package.json"})
	require.NoError(t, err)

	// The executor created a fix branch and edited the file.
	require.NoError(t, fake.CreateBranch(context.Background(), "acme/api", "remedy/fix-1", "sha-broken"))
	require.NoError(t, fake.CommitFile(context.Background(), "acme/api", "remedy/fix-1", "fix",
		vcs.FileChange{Path: "package.json", Content: []byte("edited")}))

	partial, outcomes, err := m.Rollback(context.Background(), snap, "remedy/fix-1")
	require.NoError(t, err)
	assert.False(t, partial)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Written)

	restored, _, err := fake.GetFileContent(context.Background(), "acme/api", "package.json", "remedy/fix-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), restored)
}

func TestRollbackSkipsUnchangedFiles(t *testing.T) {
	m, fake, _, _ := newManager(t)
	fake.SeedFile("sha-broken", "package.json", []byte("original"))

	snap, err := m.Capture(context.Background(), failing(), []string{"package.json"})
	require.NoError(t, err)
	require.NoError(t, fake.CreateBranch(context.Background(), "acme/api", "remedy/fix-1", "sha-broken"))

	partial, outcomes, err := m.Rollback(context.Background(), snap, "remedy/fix-1")
	require.NoError(t, err)
	assert.False(t, partial)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Written)
	assert.Equal(t, "already at snapshot content", outcomes[0].Note)
}

func TestCleanupRemovesExpired(t *testing.T) {
	m, fake, store, mc := newManager(t)
	fake.SeedFile("sha-broken", "package.json", []byte("original"))

	snap, err := m.Capture(context.Background(), failing(), []string{"package.json"})
	require.NoError(t, err)

	removed, err := m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)

	mc.Advance(8 * 24 * time.Hour)
	removed, err = m.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetSnapshot(context.Background(), snap.SnapshotID)
	assert.Error(t, err)
}
