package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/newsrag/pkg/types"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastConfig(), "test", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", types.Transient("test", errors.New("503"))
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("bad request")
	_, err := Do(context.Background(), fastConfig(), "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_BoundedAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(), "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, types.Transient("test", errors.New("timeout"))
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.Equal(t, 3, calls)
}

func TestDo_AttemptTimeoutIsTransient(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	cfg.AttemptTimeout = 10 * time.Millisecond

	calls := 0
	_, err := Do(context.Background(), cfg, "slow", func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, fastConfig(), "test", func(ctx context.Context) (int, error) {
		return 0, types.Transient("test", errors.New("unavailable"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.n, cfg), "retry %d", tt.n)
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.True(t, types.IsRetryable(HTTPStatus("op", 503, "unavailable")))
	assert.True(t, types.IsRetryable(HTTPStatus("op", 429, "slow down")))
	assert.False(t, types.IsRetryable(HTTPStatus("op", 400, "bad request")))
	assert.False(t, types.IsRetryable(HTTPStatus("op", 401, "unauthorized")))
}

func TestNetwork(t *testing.T) {
	err := errors.New("connection refused")
	assert.True(t, types.IsRetryable(Network(context.Background(), "op", err)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, types.IsRetryable(Network(ctx, "op", err)))
}
