package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks the whole configuration for consistency. It returns the
// first error found; a valid config is safe to activate.
func (c *GatewayConfig) Validate() error {
	if c.Listener.Address == "" {
		return fmt.Errorf("listener: address is required")
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	if len(c.Clusters) == 0 {
		return fmt.Errorf("at least one cluster is required")
	}

	clusterIDs := make(map[string]bool, len(c.Clusters))
	for i := range c.Clusters {
		cl := &c.Clusters[i]
		if err := cl.Validate(); err != nil {
			return fmt.Errorf("cluster %q: %w", cl.ID, err)
		}
		if clusterIDs[cl.ID] {
			return fmt.Errorf("duplicate cluster id %q", cl.ID)
		}
		clusterIDs[cl.ID] = true
	}

	routeIDs := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		rt := &c.Routes[i]
		if err := rt.Validate(); err != nil {
			return fmt.Errorf("route %q: %w", rt.ID, err)
		}
		if routeIDs[rt.ID] {
			return fmt.Errorf("duplicate route id %q", rt.ID)
		}
		routeIDs[rt.ID] = true
		if !clusterIDs[rt.ClusterID] {
			return fmt.Errorf("route %q: unknown cluster %q", rt.ID, rt.ClusterID)
		}
	}

	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if c.RateLimit != nil {
		if err := c.RateLimit.Validate(); err != nil {
			return fmt.Errorf("rateLimit: %w", err)
		}
	}
	if c.CircuitBreaker != nil && c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("circuitBreaker: failureThreshold must be at least 1")
		}
		if c.CircuitBreaker.OpenDuration <= 0 {
			return fmt.Errorf("circuitBreaker: openDuration must be positive")
		}
	}
	if c.Health != nil {
		for _, id := range c.Health.CriticalClusters {
			if !clusterIDs[id] {
				return fmt.Errorf("health: unknown critical cluster %q", id)
			}
		}
	}

	return nil
}

// Validate checks a single route.
func (r *Route) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Path == "" {
		return fmt.Errorf("path is required")
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("path must start with /")
	}
	if strings.Contains(r.Prefix(), "*") {
		return fmt.Errorf("wildcard is only allowed as a trailing /* segment")
	}
	if r.ClusterID == "" {
		return fmt.Errorf("clusterId is required")
	}
	for i := range r.Transforms {
		if err := r.Transforms[i].Validate(); err != nil {
			return fmt.Errorf("transform %d: %w", i, err)
		}
	}
	if r.RateLimit != nil && !r.RateLimit.IsZero() {
		if err := r.RateLimit.Validate(); err != nil {
			return fmt.Errorf("rateLimit: %w", err)
		}
	}
	return nil
}

// Validate checks a single transform.
func (t *Transform) Validate() error {
	switch t.Type {
	case TransformStripPrefix, TransformPrependPrefix:
		if t.Value == "" {
			return fmt.Errorf("%s requires a value", t.Type)
		}
		if !strings.HasPrefix(t.Value, "/") {
			return fmt.Errorf("%s value must start with /", t.Type)
		}
	case TransformSetHeader:
		if t.Name == "" {
			return fmt.Errorf("setHeader requires a name")
		}
	case TransformRemoveHeader:
		if t.Name == "" {
			return fmt.Errorf("removeHeader requires a name")
		}
	default:
		return fmt.Errorf("unknown transform type %q", t.Type)
	}
	return nil
}

// Validate checks a single cluster.
func (c *Cluster) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(c.Destinations) == 0 {
		return fmt.Errorf("at least one destination is required")
	}
	seen := make(map[string]bool, len(c.Destinations))
	for i := range c.Destinations {
		d := &c.Destinations[i]
		if d.ID == "" {
			return fmt.Errorf("destination %d: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate destination id %q", d.ID)
		}
		seen[d.ID] = true
		if d.Address == "" {
			return fmt.Errorf("destination %q: address is required", d.ID)
		}
		u, err := url.Parse(d.Address)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("destination %q: address must be an absolute URL", d.ID)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("destination %q: unsupported scheme %q", d.ID, u.Scheme)
		}
	}
	switch c.Policy {
	case "", LoadBalancerRoundRobin, LoadBalancerRandom, LoadBalancerLeastConn:
	default:
		return fmt.Errorf("unknown load-balancing policy %q", c.Policy)
	}
	if hc := c.HealthCheck; hc != nil {
		if hc.Path != "" && !strings.HasPrefix(hc.Path, "/") {
			return fmt.Errorf("healthCheck: path must start with /")
		}
		if hc.Interval < 0 || hc.Timeout < 0 {
			return fmt.Errorf("healthCheck: interval and timeout must be non-negative")
		}
		if hc.UnhealthyThreshold < 0 || hc.HealthyThreshold < 0 {
			return fmt.Errorf("healthCheck: thresholds must be non-negative")
		}
	}
	return nil
}

// Validate checks auth configuration.
func (a *AuthConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.JWKSUrl == "" && len(a.StaticKeys) == 0 {
		return fmt.Errorf("either jwksUrl or staticKeys is required")
	}
	if a.JWKSUrl != "" {
		u, err := url.Parse(a.JWKSUrl)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("jwksUrl must be an absolute URL")
		}
	}
	for i := range a.StaticKeys {
		k := &a.StaticKeys[i]
		if k.KeyID == "" {
			return fmt.Errorf("staticKeys[%d]: keyId is required", i)
		}
		if k.Algorithm == "" {
			return fmt.Errorf("staticKeys[%d]: algorithm is required", i)
		}
		if k.Key == "" && k.KeyFile == "" {
			return fmt.Errorf("staticKeys[%d]: either key or keyFile is required", i)
		}
	}
	return nil
}

// Validate checks a rate-limit rule.
func (r RateLimitRule) Validate() error {
	if r.Limit < 1 {
		return fmt.Errorf("limit must be at least 1")
	}
	if r.Period <= 0 {
		return fmt.Errorf("period must be positive")
	}
	return nil
}

// Validate checks rate-limit configuration.
func (r *RateLimitConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	switch r.Store {
	case "", "memory":
	case "redis":
		if r.Redis == nil || r.Redis.Address == "" {
			return fmt.Errorf("redis store requires redis.address")
		}
	default:
		return fmt.Errorf("unknown store %q", r.Store)
	}
	if err := r.Default.Validate(); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	for i, p := range r.TrustedProxies {
		if err := validateIPOrCIDR(p); err != nil {
			return fmt.Errorf("trustedProxies[%d]: %w", i, err)
		}
	}
	return nil
}

func validateIPOrCIDR(s string) error {
	if strings.Contains(s, "/") {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return fmt.Errorf("%q is not a valid CIDR block", s)
		}
		return nil
	}
	if net.ParseIP(s) == nil {
		return fmt.Errorf("%q is not a valid IP address", s)
	}
	return nil
}
