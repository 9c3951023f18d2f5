// Package health aggregates gateway health: process liveness, on-demand
// readiness of critical dependencies, and a detailed report combining the
// last probe results with derived performance metrics.
package health

import (
	"context"
	"time"

	"github.com/fieldsight/gateway/internal/backend"
	"github.com/fieldsight/gateway/internal/config"
	"github.com/fieldsight/gateway/internal/observability"
	"github.com/fieldsight/gateway/internal/ratelimit/store"
)

// Verdict values for the detailed report.
const (
	VerdictHealthy   = "healthy"
	VerdictDegraded  = "degraded"
	VerdictUnhealthy = "unhealthy"
)

// defaultCheckTimeout bounds one on-demand readiness evaluation.
const defaultCheckTimeout = 2 * time.Second

// GatewayState is the view of the running gateway the checker needs.
// Methods must be safe to call concurrently with reloads.
type GatewayState interface {
	Registry() *backend.Registry
	Config() *config.GatewayConfig
	PerfTracker() *observability.PerfTracker
	RateLimitStore() store.Store
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// Report is the detailed health document.
type Report struct {
	Status       string                 `json:"status"`
	Checks       map[string]CheckResult `json:"checks"`
	Destinations []DestinationHealth    `json:"destinations"`
	Performance  Performance            `json:"performance"`
}

// DestinationHealth is one destination's probe view.
type DestinationHealth struct {
	Cluster     string    `json:"cluster"`
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
	LastProbe   time.Time `json:"lastProbe,omitempty"`
	Inflight    int64     `json:"inflight"`
}

// Performance is the derived request metrics section of the report.
type Performance struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	ErrorRate         float64 `json:"errorRate"`
	AverageLatencyMs  int64   `json:"averageLatencyMs"`
}

// Checker evaluates gateway health on demand.
type Checker struct {
	state        GatewayState
	logger       observability.Logger
	checkTimeout time.Duration
}

// CheckerOption is a functional option for the checker.
type CheckerOption func(*Checker)

// WithCheckerLogger sets the logger.
func WithCheckerLogger(logger observability.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = logger
	}
}

// NewChecker creates a checker over the running gateway.
func NewChecker(state GatewayState, opts ...CheckerOption) *Checker {
	c := &Checker{
		state:        state,
		logger:       observability.NopLogger(),
		checkTimeout: defaultCheckTimeout,
	}

	if hc := state.Config().Health; hc != nil && hc.CheckTimeout.Duration() > 0 {
		c.checkTimeout = hc.CheckTimeout.Duration()
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Ready evaluates the critical dependencies with a bounded timeout and
// reports per-check results.
func (c *Checker) Ready(ctx context.Context) (bool, map[string]CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	results := make(map[string]CheckResult)
	ready := true

	for _, id := range c.criticalClusters() {
		start := time.Now()
		result := CheckResult{Status: "up"}

		cluster, ok := c.state.Registry().Get(id)
		switch {
		case !ok:
			result.Status = "down"
			result.Error = "cluster not configured"
		case !cluster.HasEligibleDestination():
			result.Status = "down"
			result.Error = "no eligible destination"
		}

		result.DurationMs = time.Since(start).Milliseconds()
		if result.Status != "up" {
			ready = false
		}
		results["cluster:"+id] = result
	}

	if s := c.state.RateLimitStore(); s != nil {
		start := time.Now()
		result := CheckResult{Status: "up"}
		if err := s.Ping(ctx); err != nil {
			result.Status = "down"
			result.Error = err.Error()
			ready = false
		}
		result.DurationMs = time.Since(start).Milliseconds()
		results["ratelimit-store"] = result
	}

	return ready, results
}

// Detail builds the full health report: readiness checks, per-destination
// probe state, and the performance verdict.
func (c *Checker) Detail(ctx context.Context) *Report {
	_, checks := c.Ready(ctx)

	report := &Report{
		Checks:      checks,
		Performance: c.performance(),
	}

	for _, cluster := range c.state.Registry().Clusters() {
		for _, d := range cluster.Destinations {
			report.Destinations = append(report.Destinations, DestinationHealth{
				Cluster:     cluster.ID,
				Destination: d.ID,
				Status:      backend.StatusString(d.Status()),
				LastProbe:   d.LastProbe(),
				Inflight:    d.Inflight(),
			})
		}
	}

	report.Status = c.verdict(checks)
	return report
}

// criticalClusters returns the configured critical cluster ids; when none
// are configured every cluster is critical.
func (c *Checker) criticalClusters() []string {
	cfg := c.state.Config()
	if cfg.Health != nil && len(cfg.Health.CriticalClusters) > 0 {
		return cfg.Health.CriticalClusters
	}

	ids := make([]string, 0, len(cfg.Clusters))
	for i := range cfg.Clusters {
		ids = append(ids, cfg.Clusters[i].ID)
	}
	return ids
}

func (c *Checker) performance() Performance {
	snap := c.state.PerfTracker().Snapshot()
	return Performance{
		RequestsPerSecond: snap.RequestsPerSecond,
		ErrorRate:         snap.ErrorRate,
		AverageLatencyMs:  snap.AverageLatency.Milliseconds(),
	}
}

// verdict combines dependency state with the performance thresholds. A
// down dependency or an error rate past twice the configured maximum is
// unhealthy; past the maximum (or past the latency ceiling) is degraded.
func (c *Checker) verdict(checks map[string]CheckResult) string {
	for _, result := range checks {
		if result.Status != "up" {
			return VerdictUnhealthy
		}
	}

	cfg := c.state.Config()
	if cfg.Health == nil {
		return VerdictHealthy
	}

	thresholds := cfg.Health.Thresholds
	snap := c.state.PerfTracker().Snapshot()

	if thresholds.MaxErrorRate > 0 {
		if snap.ErrorRate > 2*thresholds.MaxErrorRate {
			return VerdictUnhealthy
		}
		if snap.ErrorRate > thresholds.MaxErrorRate {
			return VerdictDegraded
		}
	}

	if ceiling := thresholds.MaxAverageLatency.Duration(); ceiling > 0 && snap.AverageLatency > ceiling {
		return VerdictDegraded
	}

	return VerdictHealthy
}
