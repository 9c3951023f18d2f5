package observability

import (
	"sync"
	"time"
)

// statsBucket accumulates request outcomes for one sampling interval.
type statsBucket struct {
	start    time.Time
	requests int64
	errors   int64
	latency  time.Duration
}

// PerfTracker derives request rate, error rate, and average latency over a
// sliding window. It backs the detailed health report; Prometheus remains
// the source of truth for external scraping.
type PerfTracker struct {
	mu      sync.Mutex
	window  time.Duration
	buckets []statsBucket
}

// PerfSnapshot is a point-in-time view of gateway performance.
type PerfSnapshot struct {
	RequestsPerSecond float64
	ErrorRate         float64
	AverageLatency    time.Duration
}

// NewPerfTracker creates a tracker with the given sliding window.
func NewPerfTracker(window time.Duration) *PerfTracker {
	if window <= 0 {
		window = time.Minute
	}
	return &PerfTracker{window: window}
}

// Record adds one completed request to the tracker. Responses with a 5xx
// status count toward the error rate.
func (t *PerfTracker) Record(status int, latency time.Duration) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.evict(now)

	if n := len(t.buckets); n == 0 || now.Sub(t.buckets[n-1].start) >= time.Second {
		t.buckets = append(t.buckets, statsBucket{start: now})
	}

	b := &t.buckets[len(t.buckets)-1]
	b.requests++
	b.latency += latency
	if status >= 500 {
		b.errors++
	}
}

// Snapshot returns the current performance view.
func (t *PerfTracker) Snapshot() PerfSnapshot {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.evict(now)

	var requests, errors int64
	var latency time.Duration
	for _, b := range t.buckets {
		requests += b.requests
		errors += b.errors
		latency += b.latency
	}

	snap := PerfSnapshot{}
	if requests > 0 {
		snap.RequestsPerSecond = float64(requests) / t.window.Seconds()
		snap.ErrorRate = float64(errors) / float64(requests)
		snap.AverageLatency = latency / time.Duration(requests)
	}
	return snap
}

// evict drops buckets that fell out of the window. Caller holds the lock.
func (t *PerfTracker) evict(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.buckets) && t.buckets[i].start.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.buckets = append(t.buckets[:0], t.buckets[i:]...)
	}
}
