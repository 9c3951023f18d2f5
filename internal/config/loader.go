package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// LoadConfig loads configuration from a file path.
func LoadConfig(path string) (*GatewayConfig, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // path is validated via filepath.Abs
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return parseConfig(data)
}

// LoadConfigFromReader loads configuration from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*GatewayConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(data)
}

// parseConfig parses YAML data into a GatewayConfig.
func parseConfig(data []byte) (*GatewayConfig, error) {
	content := substituteEnvVars(string(data))

	var config GatewayConfig
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&config)

	return &config, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} patterns with
// environment variable values.
func substituteEnvVars(content string) string {
	// Handle escaped dollar signs first
	content = strings.ReplaceAll(content, "$$", "\x00ESCAPED_DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""
		if len(submatches) >= 3 {
			defaultValue = submatches[2]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return defaultValue
	})

	return strings.ReplaceAll(result, "\x00ESCAPED_DOLLAR\x00", "$")
}

// applyDefaults fills zero-valued fields with sensible defaults.
func applyDefaults(c *GatewayConfig) {
	if c.Listener.Address == "" {
		c.Listener.Address = ":8080"
	}
	if c.Listener.ShutdownTimeout == 0 {
		c.Listener.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}

	for i := range c.Clusters {
		hc := c.Clusters[i].HealthCheck
		if hc == nil {
			continue
		}
		if hc.Path == "" {
			hc.Path = "/healthz"
		}
		if hc.Interval == 0 {
			hc.Interval = Duration(defaultProbeInterval)
		}
		if hc.Timeout == 0 {
			hc.Timeout = Duration(defaultProbeTimeout)
		}
		if hc.UnhealthyThreshold == 0 {
			hc.UnhealthyThreshold = defaultUnhealthyThreshold
		}
		if hc.HealthyThreshold == 0 {
			hc.HealthyThreshold = defaultHealthyThreshold
		}
	}

	if cb := c.CircuitBreaker; cb != nil && cb.Enabled {
		if cb.FailureThreshold == 0 {
			cb.FailureThreshold = defaultFailureThreshold
		}
		if cb.OpenDuration == 0 {
			cb.OpenDuration = Duration(defaultOpenDuration)
		}
	}

	if a := c.Auth; a != nil && a.Enabled {
		if a.ClockSkew == 0 {
			a.ClockSkew = Duration(defaultClockSkew)
		}
		if a.JWKSRefreshInterval == 0 {
			a.JWKSRefreshInterval = Duration(defaultJWKSRefresh)
		}
	}

	if h := c.Health; h != nil && h.CheckTimeout == 0 {
		h.CheckTimeout = Duration(defaultHealthCheckTimeout)
	}
}
