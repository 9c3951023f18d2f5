// Package backend manages runtime cluster state: destination health,
// load balancing, active probing, and per-destination circuit breaking.
package backend

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldsight/gateway/internal/config"
)

// Destination health status values.
const (
	StatusUnknown int32 = iota
	StatusHealthy
	StatusUnhealthy
)

// StatusString returns a human-readable status name.
func StatusString(status int32) string {
	switch status {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Destination is the runtime state of one backend endpoint. Status reads
// and writes are atomic so the request path never takes a lock.
type Destination struct {
	ID      string
	Address *url.URL

	status   atomic.Int32
	inflight atomic.Int64

	// onStatusChange is set by the owning cluster so a status flip
	// rebuilds the eligible snapshot off the request path.
	onStatusChange func()

	mu        sync.Mutex
	lastProbe time.Time
}

// NewDestination creates a destination from its configuration. A fresh
// destination starts in the unknown state and is eligible for traffic
// until probing says otherwise.
func NewDestination(cfg config.Destination) (*Destination, error) {
	u, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("destination %q: invalid address: %w", cfg.ID, err)
	}

	return &Destination{ID: cfg.ID, Address: u}, nil
}

// Status returns the current health status.
func (d *Destination) Status() int32 {
	return d.status.Load()
}

// SetStatus updates the health status and notifies the owning cluster
// when the status actually changed.
func (d *Destination) SetStatus(status int32) {
	if d.status.Swap(status) == status {
		return
	}
	if d.onStatusChange != nil {
		d.onStatusChange()
	}
}

// Eligible reports whether the destination may receive traffic. Unknown
// destinations are eligible so a fresh config serves before the first
// probe completes.
func (d *Destination) Eligible() bool {
	s := d.status.Load()
	return s == StatusHealthy || s == StatusUnknown
}

// BeginRequest records one in-flight request.
func (d *Destination) BeginRequest() {
	d.inflight.Add(1)
}

// EndRequest records request completion.
func (d *Destination) EndRequest() {
	d.inflight.Add(-1)
}

// Inflight returns the number of requests currently in flight.
func (d *Destination) Inflight() int64 {
	return d.inflight.Load()
}

// MarkProbed records the time of the last completed probe.
func (d *Destination) MarkProbed(t time.Time) {
	d.mu.Lock()
	d.lastProbe = t
	d.mu.Unlock()
}

// LastProbe returns the time of the last completed probe.
func (d *Destination) LastProbe() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastProbe
}
