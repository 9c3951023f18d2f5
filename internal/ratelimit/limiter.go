// Package ratelimit provides request throttling for the gateway. The
// default limiter is an in-process token bucket; a store-backed fixed
// window limiter is available when counters must be shared across
// instances.
package ratelimit

import (
	"context"
	"time"
)

// Rule is one limit/period pair. The token bucket refills at Limit/Period
// and allows bursts up to Limit.
type Rule struct {
	// Limit is the number of requests allowed per Period.
	Limit int

	// Period is the window over which Limit applies.
	Period time.Duration
}

// IsZero reports whether the rule is unset.
func (r Rule) IsZero() bool {
	return r.Limit == 0 && r.Period == 0
}

// Result is the outcome of one rate-limit check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Limit is the configured maximum for the applied rule.
	Limit int

	// Remaining is the number of requests left before throttling.
	Remaining int

	// RetryAfter is how long the caller should wait before retrying.
	// Only set when the request was denied.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed under
// the given rule. Keys from different routes must not share state, so
// callers scope the key by route.
type Limiter interface {
	// Allow checks and consumes one request for the key.
	Allow(ctx context.Context, key string, rule Rule) (*Result, error)

	// Close releases background resources.
	Close() error
}
