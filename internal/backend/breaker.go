package backend

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fieldsight/gateway/internal/config"
	"github.com/fieldsight/gateway/internal/observability"
)

// ErrCircuitOpen is returned when the destination's circuit rejects the
// call without attempting it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// UpstreamError marks an upstream response that counts as a breaker
// failure (a 5xx from the destination).
type UpstreamError struct {
	StatusCode int
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// BreakerStateFunc is called when a destination's circuit changes state.
type BreakerStateFunc func(clusterID, destinationID string, state gobreaker.State)

// BreakerGroup holds one circuit breaker per destination. Failures on one
// destination never open another destination's circuit.
type BreakerGroup struct {
	threshold    uint32
	openDuration time.Duration
	logger       observability.Logger
	onState      BreakerStateFunc

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// BreakerGroupOption is a functional option for the group.
type BreakerGroupOption func(*BreakerGroup)

// WithBreakerLogger sets the logger.
func WithBreakerLogger(logger observability.Logger) BreakerGroupOption {
	return func(g *BreakerGroup) {
		g.logger = logger
	}
}

// WithBreakerStateCallback sets a callback invoked on state transitions.
func WithBreakerStateCallback(fn BreakerStateFunc) BreakerGroupOption {
	return func(g *BreakerGroup) {
		g.onState = fn
	}
}

// NewBreakerGroup creates a breaker group from the configuration.
func NewBreakerGroup(cfg *config.CircuitBreakerConfig, opts ...BreakerGroupOption) *BreakerGroup {
	threshold := 5
	openDuration := 30 * time.Second
	if cfg != nil {
		if cfg.FailureThreshold > 0 {
			threshold = cfg.FailureThreshold
		}
		if cfg.OpenDuration > 0 {
			openDuration = cfg.OpenDuration.Duration()
		}
	}

	g := &BreakerGroup{
		threshold:    safeIntToUint32(threshold),
		openDuration: openDuration,
		logger:       observability.NopLogger(),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Execute runs the call through the destination's circuit. When the
// circuit is open the call is rejected with ErrCircuitOpen without being
// attempted. Only transient errors count as failures: the caller maps
// client-caused outcomes to nil before returning.
func (g *BreakerGroup) Execute(clusterID, destinationID string, call func() error) error {
	cb := g.breaker(clusterID, destinationID)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, call()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the current circuit state for a destination.
func (g *BreakerGroup) State(clusterID, destinationID string) gobreaker.State {
	return g.breaker(clusterID, destinationID).State()
}

func (g *BreakerGroup) breaker(clusterID, destinationID string) *gobreaker.CircuitBreaker {
	key := clusterID + "/" + destinationID

	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[key]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name: key,

		// One trial request is admitted in half-open state; its outcome
		// decides whether the circuit closes or re-opens.
		MaxRequests: 1,
		Timeout:     g.openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if g.onState != nil {
				g.onState(clusterID, destinationID, to)
			}
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	g.breakers[key] = cb
	return cb
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
