package backend

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/gateway/internal/config"
)

var errUpstreamDown = errors.New("connection refused")

func testBreakerGroup(threshold int, openDuration time.Duration, opts ...BreakerGroupOption) *BreakerGroup {
	return NewBreakerGroup(&config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: threshold,
		OpenDuration:     config.Duration(openDuration),
	}, opts...)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	g := testBreakerGroup(3, time.Minute)

	for i := 0; i < 3; i++ {
		err := g.Execute("orders", "o1", func() error { return errUpstreamDown })
		require.ErrorIs(t, err, errUpstreamDown)
	}

	assert.Equal(t, gobreaker.StateOpen, g.State("orders", "o1"))

	// An open circuit rejects without attempting the call.
	called := false
	err := g.Execute("orders", "o1", func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	g := testBreakerGroup(3, time.Minute)

	for i := 0; i < 2; i++ {
		_ = g.Execute("orders", "o1", func() error { return errUpstreamDown })
	}
	require.NoError(t, g.Execute("orders", "o1", func() error { return nil }))

	for i := 0; i < 2; i++ {
		_ = g.Execute("orders", "o1", func() error { return errUpstreamDown })
	}

	// Still closed: the intervening success broke the streak.
	assert.Equal(t, gobreaker.StateClosed, g.State("orders", "o1"))
}

func TestBreakerPerDestinationIsolation(t *testing.T) {
	g := testBreakerGroup(2, time.Minute)

	for i := 0; i < 2; i++ {
		_ = g.Execute("orders", "o1", func() error { return errUpstreamDown })
	}

	assert.Equal(t, gobreaker.StateOpen, g.State("orders", "o1"))
	assert.Equal(t, gobreaker.StateClosed, g.State("orders", "o2"))

	err := g.Execute("orders", "o2", func() error { return nil })
	assert.NoError(t, err)
}

func TestBreakerHalfOpenSingleTrialSuccess(t *testing.T) {
	g := testBreakerGroup(2, 30*time.Millisecond)

	for i := 0; i < 2; i++ {
		_ = g.Execute("orders", "o1", func() error { return errUpstreamDown })
	}
	require.Equal(t, gobreaker.StateOpen, g.State("orders", "o1"))

	time.Sleep(50 * time.Millisecond)

	// First call after the open interval is the half-open trial.
	err := g.Execute("orders", "o1", func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, g.State("orders", "o1"))
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	g := testBreakerGroup(2, 30*time.Millisecond)

	for i := 0; i < 2; i++ {
		_ = g.Execute("orders", "o1", func() error { return errUpstreamDown })
	}

	time.Sleep(50 * time.Millisecond)

	err := g.Execute("orders", "o1", func() error { return errUpstreamDown })
	require.ErrorIs(t, err, errUpstreamDown)
	assert.Equal(t, gobreaker.StateOpen, g.State("orders", "o1"))
}

func TestBreakerClientErrorsDoNotTrip(t *testing.T) {
	g := testBreakerGroup(2, time.Minute)

	// Client-caused outcomes reach the breaker as nil, so no number of
	// them opens the circuit.
	for i := 0; i < 10; i++ {
		require.NoError(t, g.Execute("orders", "o1", func() error { return nil }))
	}

	assert.Equal(t, gobreaker.StateClosed, g.State("orders", "o1"))
}

func TestBreakerStateCallback(t *testing.T) {
	var transitions []gobreaker.State
	g := testBreakerGroup(2, time.Minute,
		WithBreakerStateCallback(func(_, _ string, state gobreaker.State) {
			transitions = append(transitions, state)
		}),
	)

	for i := 0; i < 2; i++ {
		_ = g.Execute("orders", "o1", func() error { return errUpstreamDown })
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, gobreaker.StateOpen, transitions[0])
}

func TestUpstreamError(t *testing.T) {
	err := &UpstreamError{StatusCode: 502}
	assert.Equal(t, "upstream returned status 502", err.Error())

	var upstreamErr *UpstreamError
	assert.True(t, errors.As(error(err), &upstreamErr))
}
