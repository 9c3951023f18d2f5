package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fieldsight/gateway/internal/observability"
)

var _ io.Closer = (*TokenBucketLimiter)(nil)

// TokenBucketLimiter keeps one token bucket per key. Buckets refill
// continuously at the rule's rate and allow bursts up to the rule's limit.
// Stale buckets are reaped by a background goroutine.
type TokenBucketLimiter struct {
	logger observability.Logger

	buckets sync.Map

	cleanupInterval time.Duration
	bucketTTL       time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

// keyedBucket pairs a limiter with its last-seen time for TTL cleanup.
type keyedBucket struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	lastSeen time.Time
}

// TokenBucketOption is a functional option for the limiter.
type TokenBucketOption func(*TokenBucketLimiter)

// WithTokenBucketLogger sets the logger.
func WithTokenBucketLogger(logger observability.Logger) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		l.logger = logger
	}
}

// WithBucketTTL sets the cleanup interval and bucket TTL.
func WithBucketTTL(cleanupInterval, bucketTTL time.Duration) TokenBucketOption {
	return func(l *TokenBucketLimiter) {
		l.cleanupInterval = cleanupInterval
		l.bucketTTL = bucketTTL
	}
}

// NewTokenBucketLimiter creates a token bucket limiter and starts its
// cleanup goroutine. Call Close when done.
func NewTokenBucketLimiter(opts ...TokenBucketOption) *TokenBucketLimiter {
	l := &TokenBucketLimiter{
		logger:          observability.NopLogger(),
		cleanupInterval: 5 * time.Minute,
		bucketTTL:       10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.cleanupLoop()

	return l
}

// Allow implements Limiter.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string, rule Rule) (*Result, error) {
	if rule.Limit < 1 || rule.Period <= 0 {
		return &Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}, nil
	}

	b := l.bucket(key, rule)

	b.mu.Lock()
	b.lastSeen = time.Now()
	b.mu.Unlock()

	if b.limiter.Allow() {
		remaining := int(b.limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		return &Result{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: remaining,
		}, nil
	}

	// Reserve tells us when the next token arrives; cancel so the
	// reservation does not consume it.
	reservation := b.limiter.Reserve()
	retryAfter := reservation.Delay()
	reservation.Cancel()

	return &Result{
		Allowed:    false,
		Limit:      rule.Limit,
		Remaining:  0,
		RetryAfter: retryAfter,
	}, nil
}

// Reset drops the bucket for the key.
func (l *TokenBucketLimiter) Reset(key string) {
	l.buckets.Delete(key)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (l *TokenBucketLimiter) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}

// bucket returns the bucket for the key, creating it on first use.
func (l *TokenBucketLimiter) bucket(key string, rule Rule) *keyedBucket {
	if value, ok := l.buckets.Load(key); ok {
		return value.(*keyedBucket)
	}

	refill := rate.Limit(float64(rule.Limit) / rule.Period.Seconds())
	fresh := &keyedBucket{
		limiter:  rate.NewLimiter(refill, rule.Limit),
		lastSeen: time.Now(),
	}
	value, _ := l.buckets.LoadOrStore(key, fresh)
	return value.(*keyedBucket)
}

func (l *TokenBucketLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(l.bucketTTL)
		case <-l.stopCleanup:
			return
		}
	}
}

// removeStale deletes buckets idle for longer than maxAge.
func (l *TokenBucketLimiter) removeStale(maxAge time.Duration) {
	now := time.Now()
	removed := 0

	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*keyedBucket)
		b.mu.Lock()
		stale := now.Sub(b.lastSeen) > maxAge
		b.mu.Unlock()
		if stale {
			l.buckets.Delete(key)
			removed++
		}
		return true
	})

	if removed > 0 {
		l.logger.Debug("removed stale rate-limit buckets",
			observability.Int("count", removed),
		)
	}
}
