package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fieldsight/gateway/internal/config"
	"github.com/fieldsight/gateway/internal/observability"
)

// StatusChangeFunc is called when a destination's health status flips.
type StatusChangeFunc func(clusterID, destinationID string, status int32)

// Prober actively probes one cluster's destinations. Status flips use
// hysteresis: a destination turns unhealthy only after the configured
// number of consecutive failures, and healthy again only after the
// configured number of consecutive successes. Each probe is bounded by
// its own timeout, and a slow round never overlaps the next one.
type Prober struct {
	cluster *Cluster
	cfg     config.HealthCheck
	client  *http.Client
	logger  observability.Logger

	mu             sync.Mutex
	successCounts  map[*Destination]int
	failureCounts  map[*Destination]int
	running        bool
	onStatusChange StatusChangeFunc

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// ProberOption is a functional option for the prober.
type ProberOption func(*Prober)

// WithProberLogger sets the logger.
func WithProberLogger(logger observability.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// WithProberClient sets the HTTP client used for probes.
func WithProberClient(client *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = client
	}
}

// WithStatusChangeCallback sets a callback invoked on status flips.
func WithStatusChangeCallback(fn StatusChangeFunc) ProberOption {
	return func(p *Prober) {
		p.onStatusChange = fn
	}
}

// NewProber creates a prober for the cluster.
func NewProber(cluster *Cluster, cfg config.HealthCheck, opts ...ProberOption) *Prober {
	timeout := cfg.Timeout.Duration()
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	p := &Prober{
		cluster:       cluster,
		cfg:           cfg,
		client:        &http.Client{Timeout: timeout},
		logger:        observability.NopLogger(),
		successCounts: make(map[*Destination]int),
		failureCounts: make(map[*Destination]int),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins the probe loop.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.stoppedCh
}

// IsRunning reports whether the probe loop is active.
func (p *Prober) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.stoppedCh)

	interval := p.cfg.Interval.Duration()
	if interval == 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			// probeAll blocks until the round finishes, so rounds
			// never overlap.
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	var wg sync.WaitGroup

	for _, d := range p.cluster.Destinations {
		wg.Add(1)
		go func(dest *Destination) {
			defer wg.Done()
			p.probe(ctx, dest)
		}(d)
	}

	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, dest *Destination) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	timeout := p.cfg.Timeout.Duration()
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := dest.Address.Scheme + "://" + dest.Address.Host + p.cfg.Path

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		p.recordFailure(dest, err)
		return
	}

	resp, err := p.client.Do(req)
	dest.MarkProbed(time.Now())

	if err != nil {
		p.recordFailure(dest, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		p.recordSuccess(dest)
	} else {
		p.recordFailure(dest, nil)
	}
}

func (p *Prober) recordSuccess(dest *Destination) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successCounts[dest]++
	p.failureCounts[dest] = 0

	threshold := p.cfg.HealthyThreshold
	if threshold == 0 {
		threshold = 2
	}

	if p.successCounts[dest] >= threshold && dest.Status() != StatusHealthy {
		p.logger.Info("destination became healthy",
			observability.String("cluster", p.cluster.ID),
			observability.String("destination", dest.ID),
		)
		dest.SetStatus(StatusHealthy)
		if p.onStatusChange != nil {
			p.onStatusChange(p.cluster.ID, dest.ID, StatusHealthy)
		}
	}
}

func (p *Prober) recordFailure(dest *Destination, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureCounts[dest]++
	p.successCounts[dest] = 0

	threshold := p.cfg.UnhealthyThreshold
	if threshold == 0 {
		threshold = 3
	}

	if p.failureCounts[dest] >= threshold && dest.Status() != StatusUnhealthy {
		p.logger.Warn("destination became unhealthy",
			observability.String("cluster", p.cluster.ID),
			observability.String("destination", dest.ID),
			observability.Error(err),
		)
		dest.SetStatus(StatusUnhealthy)
		if p.onStatusChange != nil {
			p.onStatusChange(p.cluster.ID, dest.ID, StatusUnhealthy)
		}
	}
}
