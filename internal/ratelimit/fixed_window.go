package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldsight/gateway/internal/ratelimit/store"
)

// FixedWindowLimiter counts requests per fixed window in a Store. With a
// Redis-backed store the counters are shared across gateway instances.
type FixedWindowLimiter struct {
	store store.Store

	// failOpen allows requests when the store is unreachable instead of
	// rejecting them.
	failOpen bool
}

// FixedWindowOption is a functional option for the limiter.
type FixedWindowOption func(*FixedWindowLimiter)

// WithFailOpen allows requests through when the store errors.
func WithFailOpen(failOpen bool) FixedWindowOption {
	return func(l *FixedWindowLimiter) {
		l.failOpen = failOpen
	}
}

// NewFixedWindowLimiter creates a store-backed fixed window limiter.
func NewFixedWindowLimiter(s store.Store, opts ...FixedWindowOption) *FixedWindowLimiter {
	l := &FixedWindowLimiter{store: s}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Allow implements Limiter.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string, rule Rule) (*Result, error) {
	if rule.Limit < 1 || rule.Period <= 0 {
		return &Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}, nil
	}

	now := time.Now()
	windowStart := now.Truncate(rule.Period)
	windowEnd := windowStart.Add(rule.Period)
	windowKey := fmt.Sprintf("fw:%s:%d", key, windowStart.UnixMilli())

	count, err := l.store.IncrementWithExpiry(ctx, windowKey, 1, rule.Period)
	if err != nil {
		if l.failOpen {
			return &Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}, nil
		}
		return nil, fmt.Errorf("rate limit store error: %w", err)
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if int(count) > rule.Limit {
		return &Result{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			RetryAfter: windowEnd.Sub(now),
		}, nil
	}

	return &Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: remaining,
	}, nil
}

// Close implements Limiter. The store is owned by the caller.
func (l *FixedWindowLimiter) Close() error {
	return nil
}
