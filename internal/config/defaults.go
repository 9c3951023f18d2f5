package config

import "time"

// Default values applied by the loader.
const (
	defaultShutdownTimeout    = 15 * time.Second
	defaultProbeInterval      = 10 * time.Second
	defaultProbeTimeout       = 2 * time.Second
	defaultUnhealthyThreshold = 3
	defaultHealthyThreshold   = 2
	defaultFailureThreshold   = 5
	defaultOpenDuration       = 30 * time.Second
	defaultClockSkew          = 5 * time.Minute
	defaultJWKSRefresh        = time.Hour
	defaultHealthCheckTimeout = 2 * time.Second
)
