package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowsUpToLimit(t *testing.T) {
	l := NewTokenBucketLimiter()
	defer func() { require.NoError(t, l.Close()) }()

	rule := Rule{Limit: 3, Period: time.Hour}

	for i := 0; i < 3; i++ {
		res, err := l.Allow(context.Background(), "caller", rule)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
	}

	res, err := l.Allow(context.Background(), "caller", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Limit)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	l := NewTokenBucketLimiter()
	defer func() { require.NoError(t, l.Close()) }()

	rule := Rule{Limit: 1, Period: time.Hour}

	res, err := l.Allow(context.Background(), "caller-a", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(context.Background(), "caller-a", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// A different key has its own bucket.
	res, err = l.Allow(context.Background(), "caller-b", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketRefills(t *testing.T) {
	l := NewTokenBucketLimiter()
	defer func() { require.NoError(t, l.Close()) }()

	// 50 tokens per second, so a denied request becomes allowed quickly.
	rule := Rule{Limit: 50, Period: time.Second}

	var denied bool
	for i := 0; i < 60; i++ {
		res, err := l.Allow(context.Background(), "caller", rule)
		require.NoError(t, err)
		if !res.Allowed {
			denied = true
			break
		}
	}
	require.True(t, denied)

	require.Eventually(t, func() bool {
		res, err := l.Allow(context.Background(), "caller", rule)
		return err == nil && res.Allowed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTokenBucketZeroRuleAllows(t *testing.T) {
	l := NewTokenBucketLimiter()
	defer func() { require.NoError(t, l.Close()) }()

	res, err := l.Allow(context.Background(), "caller", Rule{})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketReset(t *testing.T) {
	l := NewTokenBucketLimiter()
	defer func() { require.NoError(t, l.Close()) }()

	rule := Rule{Limit: 1, Period: time.Hour}

	res, err := l.Allow(context.Background(), "caller", rule)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(context.Background(), "caller", rule)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	l.Reset("caller")

	res, err = l.Allow(context.Background(), "caller", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketStaleCleanup(t *testing.T) {
	l := NewTokenBucketLimiter(WithBucketTTL(10*time.Millisecond, 20*time.Millisecond))
	defer func() { require.NoError(t, l.Close()) }()

	rule := Rule{Limit: 1, Period: time.Hour}

	_, err := l.Allow(context.Background(), "caller", rule)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := l.buckets.Load("caller")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
