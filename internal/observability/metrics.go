package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute is the label value used for requests that do not match
// any configured route, ensuring bounded cardinality.
const unmatchedRoute = "unmatched"

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeRequests    prometheus.Gauge
	destinationHealth *prometheus.GaugeVec
	circuitState      *prometheus.GaugeVec
	rateLimitHits     *prometheus.CounterVec
	authFailures      *prometheus.CounterVec
	configReloads     *prometheus.CounterVec
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route", "status"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests",
		},
	)

	m.destinationHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "destination_health",
			Help:      "Destination health status (1=healthy, 0=unhealthy)",
		},
		[]string{"cluster", "destination"},
	)

	m.circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"cluster", "destination"},
	)

	m.rateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit checks",
		},
		[]string{"route", "allowed"},
	)

	m.authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures by reason",
		},
		[]string{"reason"},
	)

	m.configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Total number of configuration reloads",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.destinationHealth,
		m.circuitState,
		m.rateLimitHits,
		m.authFailures,
		m.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = unmatchedRoute
	}
	code := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, route, code).Inc()
	m.requestDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

// RequestStarted increments the in-flight request gauge.
func (m *Metrics) RequestStarted() {
	m.activeRequests.Inc()
}

// RequestFinished decrements the in-flight request gauge.
func (m *Metrics) RequestFinished() {
	m.activeRequests.Dec()
}

// SetDestinationHealth records the health of a destination.
func (m *Metrics) SetDestinationHealth(cluster, destination string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.destinationHealth.WithLabelValues(cluster, destination).Set(v)
}

// SetCircuitState records a circuit breaker state transition.
func (m *Metrics) SetCircuitState(cluster, destination string, state int) {
	m.circuitState.WithLabelValues(cluster, destination).Set(float64(state))
}

// RecordRateLimit records a rate limit decision.
func (m *Metrics) RecordRateLimit(route string, allowed bool) {
	if route == "" {
		route = unmatchedRoute
	}
	m.rateLimitHits.WithLabelValues(route, strconv.FormatBool(allowed)).Inc()
}

// RecordAuthFailure records an authentication failure by reason.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// RecordConfigReload records the outcome of a configuration reload.
func (m *Metrics) RecordConfigReload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.configReloads.WithLabelValues(result).Inc()
}
