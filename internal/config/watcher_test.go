package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherInitialLoad(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)

	w, err := NewWatcher(path, nil, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { require.NoError(t, w.Stop()) }()

	cfg := w.LastConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, ":8080", cfg.Listener.Address)
}

func TestWatcherReloadOnChange(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)

	reloaded := make(chan *GatewayConfig, 1)
	w, err := NewWatcher(path, func(cfg *GatewayConfig) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { require.NoError(t, w.Stop()) }()

	updated := minimalYAML + "\nobservability:\n  logLevel: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.Observability.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatcherKeepsLastConfigOnInvalidReload(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)

	errored := make(chan error, 1)
	w, err := NewWatcher(path, nil,
		WithDebounceDelay(10*time.Millisecond),
		WithErrorCallback(func(err error) {
			select {
			case errored <- err:
			default:
			}
		}),
	)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { require.NoError(t, w.Stop()) }()

	// A config that parses but fails validation must not replace the
	// active generation.
	broken := "listener:\n  address: \":8080\"\nroutes: []\nclusters: []\n"
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o600))

	select {
	case <-errored:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error callback")
	}

	cfg := w.LastConfig()
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Routes, 1)
}

func TestWatcherStartFailsOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes: []\nclusters: []\n"), 0o600))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	err = w.Start(context.Background())
	require.Error(t, err)
}

func TestWatcherForceReload(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)

	var got *GatewayConfig
	w, err := NewWatcher(path, func(cfg *GatewayConfig) { got = cfg })
	require.NoError(t, err)

	require.NoError(t, w.ForceReload())
	require.NotNil(t, got)
	assert.Equal(t, ":8080", got.Listener.Address)
}
