package backend

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fieldsight/gateway/internal/config"
)

// ErrNoAvailableDestination is returned when a cluster has no destination
// able to serve a request.
var ErrNoAvailableDestination = errors.New("no available destination")

// Cluster is the runtime state of one configured cluster. The eligible
// subset is kept as a prebuilt snapshot rebuilt on status flips, so the
// request path loads one pointer and never allocates.
type Cluster struct {
	ID           string
	Destinations []*Destination

	balancer LoadBalancer
	failOpen bool

	mu       sync.Mutex
	eligible atomic.Pointer[[]*Destination]
}

// NewCluster builds the runtime cluster from its configuration.
func NewCluster(cfg *config.Cluster) (*Cluster, error) {
	destinations := make([]*Destination, 0, len(cfg.Destinations))
	for i := range cfg.Destinations {
		d, err := NewDestination(cfg.Destinations[i])
		if err != nil {
			return nil, fmt.Errorf("cluster %q: %w", cfg.ID, err)
		}
		destinations = append(destinations, d)
	}

	c := &Cluster{
		ID:           cfg.ID,
		Destinations: destinations,
		balancer:     NewLoadBalancer(cfg.Policy),
		failOpen:     cfg.FailOpen,
	}
	for _, d := range destinations {
		d.onStatusChange = c.refreshEligible
	}
	c.refreshEligible()

	return c, nil
}

// refreshEligible rebuilds the eligible-destination snapshot. Runs on
// status flips, never per request.
func (c *Cluster) refreshEligible() {
	c.mu.Lock()
	defer c.mu.Unlock()

	eligible := make([]*Destination, 0, len(c.Destinations))
	for _, d := range c.Destinations {
		if d.Eligible() {
			eligible = append(eligible, d)
		}
	}
	c.eligible.Store(&eligible)
}

// Pick selects a destination for one request from the eligible snapshot.
// When the snapshot is empty and the cluster is configured to fail open,
// all destinations become last-resort candidates.
func (c *Cluster) Pick() (*Destination, error) {
	candidates := *c.eligible.Load()
	if len(candidates) == 0 {
		if !c.failOpen {
			return nil, ErrNoAvailableDestination
		}
		candidates = c.Destinations
	}

	d := c.balancer.Pick(candidates)
	if d == nil {
		return nil, ErrNoAvailableDestination
	}
	return d, nil
}

// HasEligibleDestination reports whether any destination may serve
// traffic right now.
func (c *Cluster) HasEligibleDestination() bool {
	return len(*c.eligible.Load()) > 0
}

// Destination returns the destination with the given id.
func (c *Cluster) Destination(id string) (*Destination, bool) {
	for _, d := range c.Destinations {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Registry holds the runtime clusters for one configuration generation.
type Registry struct {
	clusters map[string]*Cluster
	order    []string
}

// NewRegistry builds runtime clusters from the configuration.
func NewRegistry(cfg *config.GatewayConfig) (*Registry, error) {
	r := &Registry{
		clusters: make(map[string]*Cluster, len(cfg.Clusters)),
		order:    make([]string, 0, len(cfg.Clusters)),
	}

	for i := range cfg.Clusters {
		c, err := NewCluster(&cfg.Clusters[i])
		if err != nil {
			return nil, err
		}
		r.clusters[c.ID] = c
		r.order = append(r.order, c.ID)
	}

	return r, nil
}

// InheritHealth carries probe-derived state over from a previous
// generation. A destination inherits status and last-probe time only
// when its cluster id, its own id, and its address all match; anything
// that changed starts fresh in the unknown state.
func (r *Registry) InheritHealth(old *Registry) {
	if old == nil {
		return
	}
	for id, c := range r.clusters {
		oc, ok := old.clusters[id]
		if !ok {
			continue
		}
		for _, d := range c.Destinations {
			od, ok := oc.Destination(d.ID)
			if !ok || od.Address.String() != d.Address.String() {
				continue
			}
			d.SetStatus(od.Status())
			if t := od.LastProbe(); !t.IsZero() {
				d.MarkProbed(t)
			}
		}
	}
}

// Get returns the cluster with the given id.
func (r *Registry) Get(id string) (*Cluster, bool) {
	c, ok := r.clusters[id]
	return c, ok
}

// Clusters returns all clusters in configuration order.
func (r *Registry) Clusters() []*Cluster {
	out := make([]*Cluster, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clusters[id])
	}
	return out
}
