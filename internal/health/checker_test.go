package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/gateway/internal/backend"
	"github.com/fieldsight/gateway/internal/config"
	"github.com/fieldsight/gateway/internal/observability"
	"github.com/fieldsight/gateway/internal/ratelimit/store"
)

// fakeState is a minimal GatewayState for checker tests.
type fakeState struct {
	cfg      *config.GatewayConfig
	registry *backend.Registry
	perf     *observability.PerfTracker
	rlStore  store.Store
}

func (s *fakeState) Registry() *backend.Registry             { return s.registry }
func (s *fakeState) Config() *config.GatewayConfig           { return s.cfg }
func (s *fakeState) PerfTracker() *observability.PerfTracker { return s.perf }
func (s *fakeState) RateLimitStore() store.Store             { return s.rlStore }

func newFakeState(t *testing.T) *fakeState {
	t.Helper()

	cfg := &config.GatewayConfig{
		Health: &config.HealthConfig{
			CriticalClusters: []string{"orders"},
			CheckTimeout:     config.Duration(time.Second),
		},
		Clusters: []config.Cluster{
			{
				ID: "orders",
				Destinations: []config.Destination{
					{ID: "d1", Address: "http://127.0.0.1:18080"},
				},
			},
			{
				ID: "catalog",
				Destinations: []config.Destination{
					{ID: "c1", Address: "http://127.0.0.1:18081"},
				},
			},
		},
	}

	registry, err := backend.NewRegistry(cfg)
	require.NoError(t, err)

	return &fakeState{
		cfg:      cfg,
		registry: registry,
		perf:     observability.NewPerfTracker(time.Minute),
	}
}

func (s *fakeState) destination(t *testing.T, clusterID, destinationID string) *backend.Destination {
	t.Helper()
	cluster, ok := s.registry.Get(clusterID)
	require.True(t, ok)
	d, ok := cluster.Destination(destinationID)
	require.True(t, ok)
	return d
}

func TestReadyWithEligibleCriticalCluster(t *testing.T) {
	state := newFakeState(t)
	c := NewChecker(state)

	ready, checks := c.Ready(context.Background())
	assert.True(t, ready)
	assert.Equal(t, "up", checks["cluster:orders"].Status)

	// Non-critical clusters are not part of readiness.
	_, checked := checks["cluster:catalog"]
	assert.False(t, checked)
}

func TestReadyFailsWhenCriticalClusterIsDown(t *testing.T) {
	state := newFakeState(t)
	state.destination(t, "orders", "d1").SetStatus(backend.StatusUnhealthy)

	c := NewChecker(state)

	ready, checks := c.Ready(context.Background())
	assert.False(t, ready)
	assert.Equal(t, "down", checks["cluster:orders"].Status)
	assert.Equal(t, "no eligible destination", checks["cluster:orders"].Error)
}

func TestReadyChecksRateLimitStore(t *testing.T) {
	state := newFakeState(t)
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	state.rlStore = s

	c := NewChecker(state)

	ready, checks := c.Ready(context.Background())
	assert.True(t, ready)
	assert.Equal(t, "up", checks["ratelimit-store"].Status)

	require.NoError(t, s.Close())

	ready, checks = c.Ready(context.Background())
	assert.False(t, ready)
	assert.Equal(t, "down", checks["ratelimit-store"].Status)
}

func TestDetailVerdictDegradedOnErrorRate(t *testing.T) {
	state := newFakeState(t)
	state.cfg.Health.Thresholds = config.PerfThresholds{MaxErrorRate: 0.2}

	// 3 errors out of 10 is past the 0.2 threshold but not past twice it.
	for i := 0; i < 7; i++ {
		state.perf.Record(200, 5*time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		state.perf.Record(502, 5*time.Millisecond)
	}

	c := NewChecker(state)
	report := c.Detail(context.Background())

	assert.Equal(t, VerdictDegraded, report.Status)
	assert.InDelta(t, 0.3, report.Performance.ErrorRate, 0.01)
}

func TestDetailVerdictUnhealthyOnHighErrorRate(t *testing.T) {
	state := newFakeState(t)
	state.cfg.Health.Thresholds = config.PerfThresholds{MaxErrorRate: 0.1}

	for i := 0; i < 5; i++ {
		state.perf.Record(200, time.Millisecond)
		state.perf.Record(500, time.Millisecond)
	}

	c := NewChecker(state)
	report := c.Detail(context.Background())

	assert.Equal(t, VerdictUnhealthy, report.Status)
}

func TestDetailListsDestinations(t *testing.T) {
	state := newFakeState(t)
	state.destination(t, "catalog", "c1").SetStatus(backend.StatusHealthy)

	c := NewChecker(state)
	report := c.Detail(context.Background())

	require.Len(t, report.Destinations, 2)
	byID := map[string]DestinationHealth{}
	for _, d := range report.Destinations {
		byID[d.Cluster+"/"+d.Destination] = d
	}
	assert.Equal(t, "unknown", byID["orders/d1"].Status)
	assert.Equal(t, "healthy", byID["catalog/c1"].Status)
}

func TestLiveHandlerAlwaysOK(t *testing.T) {
	c := NewChecker(newFakeState(t))

	w := httptest.NewRecorder()
	c.LiveHandler(w, httptest.NewRequest("GET", "/health/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	state := newFakeState(t)
	c := NewChecker(state)

	w := httptest.NewRecorder()
	c.ReadyHandler(w, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	state.destination(t, "orders", "d1").SetStatus(backend.StatusUnhealthy)

	w = httptest.NewRecorder()
	c.ReadyHandler(w, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string                 `json:"status"`
		Checks map[string]CheckResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "down", body.Checks["cluster:orders"].Status)
}

func TestDetailHandlerUnhealthyReturns503(t *testing.T) {
	state := newFakeState(t)
	state.destination(t, "orders", "d1").SetStatus(backend.StatusUnhealthy)

	c := NewChecker(state)

	w := httptest.NewRecorder()
	c.DetailHandler(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var report Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, VerdictUnhealthy, report.Status)
}
