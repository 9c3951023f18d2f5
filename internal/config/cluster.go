package config

// Load-balancing policy names.
const (
	LoadBalancerRoundRobin = "roundRobin"
	LoadBalancerRandom     = "random"
	LoadBalancerLeastConn  = "leastConnections"
)

// Cluster describes one group of interchangeable backend destinations.
type Cluster struct {
	ID string `yaml:"id" json:"id"`

	Destinations []Destination `yaml:"destinations" json:"destinations"`

	// Policy selects the load-balancing algorithm; round-robin when empty.
	Policy string `yaml:"policy,omitempty" json:"policy,omitempty"`

	// FailOpen treats unhealthy destinations as last-resort candidates
	// when the whole cluster is down. Default is fail closed (503).
	FailOpen bool `yaml:"failOpen,omitempty" json:"failOpen,omitempty"`

	HealthCheck *HealthCheck `yaml:"healthCheck,omitempty" json:"healthCheck,omitempty"`
}

// Destination is one concrete backend endpoint.
type Destination struct {
	ID      string `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address"`
}

// HealthCheck configures active probing for a cluster.
type HealthCheck struct {
	// Path is the probe path, e.g. "/healthz".
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Interval between probes of the same destination.
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Timeout bounds one probe.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// UnhealthyThreshold is the number of consecutive failures that
	// flips a destination to unhealthy.
	UnhealthyThreshold int `yaml:"unhealthyThreshold,omitempty" json:"unhealthyThreshold,omitempty"`

	// HealthyThreshold is the number of consecutive successes that
	// flips a destination back to healthy.
	HealthyThreshold int `yaml:"healthyThreshold,omitempty" json:"healthyThreshold,omitempty"`
}
