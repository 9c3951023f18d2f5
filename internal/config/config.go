// Package config provides declarative configuration for the edge gateway.
// Configuration is loaded once per generation from YAML; a reload builds a
// complete new GatewayConfig and swaps it atomically, so in-flight requests
// always observe one consistent generation.
package config

// GatewayConfig is the root configuration object.
type GatewayConfig struct {
	Listener       ListenerConfig        `yaml:"listener" json:"listener"`
	Auth           *AuthConfig           `yaml:"auth,omitempty" json:"auth,omitempty"`
	RateLimit      *RateLimitConfig      `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
	Health         *HealthConfig         `yaml:"health,omitempty" json:"health,omitempty"`
	Observability  ObservabilityConfig   `yaml:"observability,omitempty" json:"observability,omitempty"`
	Routes         []Route               `yaml:"routes" json:"routes"`
	Clusters       []Cluster             `yaml:"clusters" json:"clusters"`
}

// ListenerConfig configures the inbound HTTP listener.
type ListenerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout    Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout     Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
}

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	// Enabled enables token validation for all routes.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Issuer is the expected token issuer.
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty"`

	// Audience is the set of accepted audiences; a token must carry at
	// least one of them.
	Audience []string `yaml:"audience,omitempty" json:"audience,omitempty"`

	// ClockSkew is the allowed clock skew for exp/nbf validation.
	ClockSkew Duration `yaml:"clockSkew,omitempty" json:"clockSkew,omitempty"`

	// Algorithms restricts the accepted signing algorithms.
	Algorithms []string `yaml:"algorithms,omitempty" json:"algorithms,omitempty"`

	// JWKSUrl is fetched at startup and refreshed on a timer, never on
	// the request path.
	JWKSUrl string `yaml:"jwksUrl,omitempty" json:"jwksUrl,omitempty"`

	// JWKSRefreshInterval is the background key refresh interval.
	JWKSRefreshInterval Duration `yaml:"jwksRefreshInterval,omitempty" json:"jwksRefreshInterval,omitempty"`

	// StaticKeys configures static signing keys.
	StaticKeys []StaticKey `yaml:"staticKeys,omitempty" json:"staticKeys,omitempty"`
}

// StaticKey represents a static signing key.
type StaticKey struct {
	KeyID     string `yaml:"keyId" json:"keyId"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`

	// Key is base64 for symmetric keys and PEM for asymmetric keys.
	Key string `yaml:"key,omitempty" json:"key,omitempty"`

	// KeyFile is the path to the key material on disk.
	KeyFile string `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`
}

// RateLimitConfig configures request throttling.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Store selects the counter backend: "memory" (default) or "redis".
	Store string `yaml:"store,omitempty" json:"store,omitempty"`

	// Redis configures the distributed store when Store is "redis".
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// Default is the global rule applied when no route override matches.
	Default RateLimitRule `yaml:"default" json:"default"`

	// TrustedProxies lists peers (IPs or CIDR blocks) whose forwarding
	// headers are honored when deriving the caller identity. Headers
	// from anyone else are ignored.
	TrustedProxies []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
}

// RateLimitRule is one limit/period pair.
type RateLimitRule struct {
	// Limit is the number of requests allowed per Period.
	Limit int `yaml:"limit" json:"limit"`

	// Period is the window over which Limit applies.
	Period Duration `yaml:"period" json:"period"`
}

// IsZero reports whether the rule is unset.
func (r RateLimitRule) IsZero() bool {
	return r.Limit == 0 && r.Period == 0
}

// RedisConfig configures the Redis rate-limit store.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
}

// CircuitBreakerConfig configures per-destination failure isolation.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// FailureThreshold is the number of consecutive transient failures
	// that opens the circuit.
	FailureThreshold int `yaml:"failureThreshold,omitempty" json:"failureThreshold,omitempty"`

	// OpenDuration is how long an open circuit rejects calls before a
	// half-open trial is allowed.
	OpenDuration Duration `yaml:"openDuration,omitempty" json:"openDuration,omitempty"`
}

// HealthConfig configures the health aggregator.
type HealthConfig struct {
	// CriticalClusters lists clusters that must have at least one
	// healthy destination for the gateway to report ready.
	CriticalClusters []string `yaml:"criticalClusters,omitempty" json:"criticalClusters,omitempty"`

	// CheckTimeout bounds on-demand readiness checks.
	CheckTimeout Duration `yaml:"checkTimeout,omitempty" json:"checkTimeout,omitempty"`

	// Thresholds drive the healthy/degraded/unhealthy verdict in the
	// detailed report.
	Thresholds PerfThresholds `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
}

// PerfThresholds are the degradation cut-offs for derived metrics.
type PerfThresholds struct {
	// MaxErrorRate above which the gateway reports degraded (and twice
	// that, unhealthy). Expressed as a ratio in [0,1].
	MaxErrorRate float64 `yaml:"maxErrorRate,omitempty" json:"maxErrorRate,omitempty"`

	// MaxAverageLatency above which the gateway reports degraded.
	MaxAverageLatency Duration `yaml:"maxAverageLatency,omitempty" json:"maxAverageLatency,omitempty"`
}

// ObservabilityConfig configures logging, metrics, and tracing.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
	LogFormat string `yaml:"logFormat,omitempty" json:"logFormat,omitempty"`

	MetricsEnabled bool   `yaml:"metricsEnabled,omitempty" json:"metricsEnabled,omitempty"`
	MetricsAddress string `yaml:"metricsAddress,omitempty" json:"metricsAddress,omitempty"`

	TracingEnabled    bool    `yaml:"tracingEnabled,omitempty" json:"tracingEnabled,omitempty"`
	OTLPEndpoint      string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	TracingSampleRate float64 `yaml:"tracingSampleRate,omitempty" json:"tracingSampleRate,omitempty"`
}

// GetCluster returns the cluster with the given id.
func (c *GatewayConfig) GetCluster(id string) (*Cluster, bool) {
	for i := range c.Clusters {
		if c.Clusters[i].ID == id {
			return &c.Clusters[i], true
		}
	}
	return nil, false
}
