package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestWithRetryEventualSuccess(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ErrUpstreamTimeout
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return ErrUpstreamRejected
	})
	assert.ErrorIs(t, err, ErrUpstreamRejected)
	assert.Equal(t, 1, calls)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return ErrRateLimited
	})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 4, calls)
}

func TestWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, fastRetryConfig(), func(ctx context.Context) error {
		return ErrUpstreamTimeout
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrUpstreamTimeout))
	assert.True(t, Retryable(ErrRateLimited))
	assert.False(t, Retryable(ErrUpstreamRejected))
	assert.False(t, Retryable(ErrMalformedResponse))
	assert.False(t, Retryable(errors.New("other")))
}

func TestLocalEmbedderDeterministic(t *testing.T) {
	e := LocalEmbedder{}
	a, err := e.Embed(context.Background(), "npm install timeout")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "npm install timeout")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, EmbeddingDim)

	c, err := e.Embed(context.Background(), "segfault in parser")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
