// Package metrics provides Prometheus instrumentation for bucketflow components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultNamespace = "bucketflow"

// Registry holds all metric instances for bucketflow components.
type Registry struct {
	// Local bucket metrics
	BucketRequests *prometheus.CounterVec
	BucketConsumed *prometheus.CounterVec
	BucketRejected *prometheus.CounterVec
	BucketAdded    *prometheus.CounterVec
	BucketWaitTime *prometheus.HistogramVec
	BucketTokens   *prometheus.GaugeVec

	// Remote protocol metrics
	RemoteCommands      *prometheus.CounterVec
	RemoteDuration      *prometheus.HistogramVec
	TransactionRetries  *prometheus.CounterVec
	TransactionFailures *prometheus.CounterVec
	BucketRecoveries    *prometheus.CounterVec

	// Optimization metrics
	OptimizationMerges *prometheus.CounterVec
	OptimizationSkips  *prometheus.CounterVec

	// Async executor metrics
	AsyncTasks   *prometheus.CounterVec
	AsyncQueued  *prometheus.GaugeVec
	AsyncWorkers *prometheus.GaugeVec
}

// DefaultRegistry is the default metrics registry used by bucketflow components.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return NewRegistryWithConfig(Config{Enabled: true, Registry: reg})
}

// NewRegistryWithConfig creates a registry honouring the namespace and constant
// labels of config.
func NewRegistryWithConfig(config Config) *Registry {
	reg := config.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(config.Labels) > 0 {
		reg = prometheus.WrapRegistererWith(config.Labels, reg)
	}
	ns := config.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	buckets := config.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	factory := promauto.With(reg)

	return &Registry{
		BucketRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "bucket",
				Name:      "requests_total",
				Help:      "Total number of tokens requested from local buckets",
			},
			[]string{"bucket_name"},
		),

		BucketConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "bucket",
				Name:      "consumed_total",
				Help:      "Total number of tokens consumed",
			},
			[]string{"bucket_name"},
		),

		BucketRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "bucket",
				Name:      "rejected_total",
				Help:      "Total number of tokens rejected",
			},
			[]string{"bucket_name"},
		),

		BucketAdded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "bucket",
				Name:      "added_total",
				Help:      "Total number of tokens added explicitly",
			},
			[]string{"bucket_name"},
		),

		BucketWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: "bucket",
				Name:      "wait_duration_seconds",
				Help:      "Time spent blocked waiting for tokens",
				Buckets:   buckets,
			},
			[]string{"bucket_name"},
		),

		BucketTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "bucket",
				Name:      "tokens_available",
				Help:      "Number of tokens currently available",
			},
			[]string{"bucket_name"},
		),

		RemoteCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "remote",
				Name:      "commands_total",
				Help:      "Total number of commands executed against the backend",
			},
			[]string{"command", "outcome"},
		),

		RemoteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: "remote",
				Name:      "command_duration_seconds",
				Help:      "Latency of commands executed against the backend",
				Buckets:   buckets,
			},
			[]string{"command"},
		),

		TransactionRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "transaction",
				Name:      "retries_total",
				Help:      "Total number of transactions restarted by optimistic disciplines",
			},
			[]string{"discipline"},
		),

		TransactionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "transaction",
				Name:      "failures_total",
				Help:      "Total number of transactions rolled back because of errors",
			},
			[]string{"discipline", "reason"},
		),

		BucketRecoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "remote",
				Name:      "recoveries_total",
				Help:      "Total number of missing buckets handled by a recovery strategy",
			},
			[]string{"strategy"},
		),

		OptimizationMerges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "optimization",
				Name:      "merged_total",
				Help:      "Total number of requests merged into another remote request",
			},
			[]string{"optimization"},
		),

		OptimizationSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "optimization",
				Name:      "skipped_total",
				Help:      "Total number of requests answered without a remote round-trip",
			},
			[]string{"optimization"},
		),

		AsyncTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "async",
				Name:      "tasks_total",
				Help:      "Total number of tasks executed by async pools",
			},
			[]string{"pool_name", "outcome"},
		),

		AsyncQueued: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "async",
				Name:      "queued_tasks",
				Help:      "Number of tasks waiting for a worker",
			},
			[]string{"pool_name"},
		),

		AsyncWorkers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: "async",
				Name:      "active_workers",
				Help:      "Number of workers currently executing a task",
			},
			[]string{"pool_name"},
		),
	}
}
