package backend

import (
	"math/rand"
	"sync/atomic"

	"github.com/fieldsight/gateway/internal/config"
)

// LoadBalancer picks one destination from a candidate set. Candidates are
// already filtered for eligibility; the slice preserves configuration
// order.
type LoadBalancer interface {
	Pick(candidates []*Destination) *Destination
}

// RoundRobinBalancer walks the eligible subset in configuration order.
// Skipped (unhealthy) destinations do not consume a turn: the cursor
// advances over the candidate slice, not over the full destination list.
type RoundRobinBalancer struct {
	cursor atomic.Uint64
}

// NewRoundRobinBalancer creates a round-robin balancer.
func NewRoundRobinBalancer() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

// Pick implements LoadBalancer.
func (b *RoundRobinBalancer) Pick(candidates []*Destination) *Destination {
	if len(candidates) == 0 {
		return nil
	}
	idx := b.cursor.Add(1) - 1
	return candidates[idx%uint64(len(candidates))]
}

// RandomBalancer picks a uniformly random candidate.
type RandomBalancer struct{}

// NewRandomBalancer creates a random balancer.
func NewRandomBalancer() *RandomBalancer {
	return &RandomBalancer{}
}

// Pick implements LoadBalancer.
func (b *RandomBalancer) Pick(candidates []*Destination) *Destination {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// LeastConnBalancer picks the candidate with the fewest in-flight
// requests; ties go to the earliest in configuration order.
type LeastConnBalancer struct{}

// NewLeastConnBalancer creates a least-connections balancer.
func NewLeastConnBalancer() *LeastConnBalancer {
	return &LeastConnBalancer{}
}

// Pick implements LoadBalancer.
func (b *LeastConnBalancer) Pick(candidates []*Destination) *Destination {
	var selected *Destination
	minConns := int64(-1)

	for _, d := range candidates {
		conns := d.Inflight()
		if minConns < 0 || conns < minConns {
			minConns = conns
			selected = d
		}
	}

	return selected
}

// NewLoadBalancer creates a balancer for the configured policy.
func NewLoadBalancer(policy string) LoadBalancer {
	switch policy {
	case config.LoadBalancerRandom:
		return NewRandomBalancer()
	case config.LoadBalancerLeastConn:
		return NewLeastConnBalancer()
	default:
		return NewRoundRobinBalancer()
	}
}
