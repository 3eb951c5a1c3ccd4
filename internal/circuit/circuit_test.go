package circuit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyops/remedy/internal/clock"
	"github.com/remedyops/remedy/internal/signature"
	"github.com/remedyops/remedy/internal/storage/sqlite"
	"github.com/remedyops/remedy/internal/types"
)

func testBreaker(t *testing.T) (*Breaker, *clock.Manual) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mc := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	b, err := New(Config{Storage: store, Clock: mc})
	require.NoError(t, err)
	return b, mc
}

const (
	repo   = "acme/api"
	branch = "main"
	reason = "npm install timeout"
)

func TestOpensAtThreshold(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		c, err := b.OnFailure(ctx, repo, branch, reason)
		require.NoError(t, err)
		assert.Equal(t, types.CircuitClosed, c.State)
	}

	c, err := b.OnFailure(ctx, repo, branch, reason)
	require.NoError(t, err)
	assert.Equal(t, types.CircuitOpen, c.State)
	assert.Equal(t, 3, c.FailureCount)
	require.NotNil(t, c.AutoResetAt)

	allowed, _, err := b.Allow(ctx, repo, branch, reason)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestVariableTokensShareCircuit(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()

	_, err := b.OnFailure(ctx, repo, branch, "timeout at 10:00:01")
	require.NoError(t, err)
	_, err = b.OnFailure(ctx, repo, branch, "timeout at 11:30:59")
	require.NoError(t, err)
	c, err := b.OnFailure(ctx, repo, branch, "timeout at 23:59:59")
	require.NoError(t, err)
	assert.Equal(t, types.CircuitOpen, c.State)
}

func TestAutoResetToHalfOpenSingleTrial(t *testing.T) {
	b, mc := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.OnFailure(ctx, repo, branch, reason)
		require.NoError(t, err)
	}

	mc.Advance(23 * time.Hour)
	allowed, c, err := b.Allow(ctx, repo, branch, reason)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, types.CircuitOpen, c.State)

	mc.Advance(2 * time.Hour)
	allowed, c, err = b.Allow(ctx, repo, branch, reason)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, types.CircuitHalfOpen, c.State)

	// Only one trial at a time.
	allowed, _, err = b.Allow(ctx, repo, branch, reason)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestTrialSuccessClosesAndClearsCount(t *testing.T) {
	b, mc := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.OnFailure(ctx, repo, branch, reason)
		require.NoError(t, err)
	}
	mc.Advance(25 * time.Hour)
	allowed, _, err := b.Allow(ctx, repo, branch, reason)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, b.OnTrialSuccess(ctx, repo, branch, reason))

	allowed, c, err := b.Allow(ctx, repo, branch, reason)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, types.CircuitClosed, c.State)
	assert.Equal(t, 0, c.FailureCount)
}

func TestTrialFailureReopens(t *testing.T) {
	b, mc := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.OnFailure(ctx, repo, branch, reason)
		require.NoError(t, err)
	}
	mc.Advance(25 * time.Hour)
	allowed, _, err := b.Allow(ctx, repo, branch, reason)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, b.OnTrialFailure(ctx, repo, branch, reason))

	allowed, c, err := b.Allow(ctx, repo, branch, reason)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, types.CircuitOpen, c.State)
	// Reopening starts a fresh reset window.
	require.NotNil(t, c.AutoResetAt)
}

func TestManualResetRejectsClosed(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()
	sig := signature.Key(repo, branch, reason)

	_, err := b.OnFailure(ctx, repo, branch, reason)
	require.NoError(t, err)
	assert.ErrorIs(t, b.ManualReset(ctx, sig, "alice"), ErrNotOpen)

	for i := 0; i < 2; i++ {
		_, err := b.OnFailure(ctx, repo, branch, reason)
		require.NoError(t, err)
	}
	require.NoError(t, b.ManualReset(ctx, sig, "alice"))

	allowed, c, err := b.Allow(ctx, repo, branch, reason)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, types.CircuitClosed, c.State)
	assert.Equal(t, 0, c.FailureCount)

	// History records the operator.
	last := c.History[len(c.History)-1]
	assert.Equal(t, "alice", last.Actor)
	assert.Equal(t, "manual reset", last.Reason)
}
