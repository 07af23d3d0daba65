package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration for metrics collection.
type Config struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool

	// Registry receives the collectors. Nil means prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// Namespace replaces the "bucketflow" prefix of every metric name.
	Namespace string

	// Labels are constant labels attached to every metric.
	Labels prometheus.Labels

	// DurationBuckets are the histogram buckets, in seconds, for bucket
	// wait times and backend round trips. Nil means prometheus.DefBuckets.
	DurationBuckets []float64
}

// DefaultConfig returns a configuration registering on the default
// Prometheus registerer.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Registry:        prometheus.DefaultRegisterer,
		Namespace:       defaultNamespace,
		DurationBuckets: prometheus.DefBuckets,
	}
}

// Instrumentable is implemented by components whose metrics can be switched
// on and off at runtime.
type Instrumentable interface {
	EnableMetrics(config Config) error
	DisableMetrics()
	MetricsEnabled() bool
}
