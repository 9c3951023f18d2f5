package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/gateway/internal/ratelimit/store"
)

func TestFixedWindowAllowsUpToLimit(t *testing.T) {
	s := store.NewMemoryStore()
	defer func() { require.NoError(t, s.Close()) }()

	l := NewFixedWindowLimiter(s)
	rule := Rule{Limit: 3, Period: time.Hour}

	for i := 0; i < 3; i++ {
		res, err := l.Allow(context.Background(), "caller", rule)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3-(i+1), res.Remaining)
	}

	res, err := l.Allow(context.Background(), "caller", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Hour)
}

func TestFixedWindowResets(t *testing.T) {
	s := store.NewMemoryStore()
	defer func() { require.NoError(t, s.Close()) }()

	l := NewFixedWindowLimiter(s)
	rule := Rule{Limit: 1, Period: 50 * time.Millisecond}

	res, err := l.Allow(context.Background(), "caller", rule)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(context.Background(), "caller", rule)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	require.Eventually(t, func() bool {
		res, err := l.Allow(context.Background(), "caller", rule)
		return err == nil && res.Allowed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFixedWindowFailOpen(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rule := Rule{Limit: 1, Period: time.Hour}

	strict := NewFixedWindowLimiter(s)
	_, err := strict.Allow(ctx, "caller", rule)
	require.Error(t, err)

	lenient := NewFixedWindowLimiter(s, WithFailOpen(true))
	res, err := lenient.Allow(ctx, "caller", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
