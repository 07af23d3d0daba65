package bucket

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vnykmshr/bucketflow/pkg/metrics"
)

// MetricsBucket wraps a Bucket with Prometheus metrics collection.
type MetricsBucket struct {
	bucket   Bucket
	name     string
	registry *metrics.Registry
	enabled  bool
}

// NewWithMetrics creates a local bucket reporting to its own Prometheus registry.
func NewWithMetrics(cfg *Configuration, name string) (Bucket, error) {
	// Use a separate registry for each metrics-enabled component to avoid conflicts
	config := metrics.Config{
		Enabled:  true,
		Registry: prometheus.NewRegistry(),
	}
	return NewWithConfigAndMetrics(Config{Configuration: cfg}, name, config)
}

// NewWithConfigAndMetrics creates a local bucket with custom config and metrics.
func NewWithConfigAndMetrics(config Config, name string, metricsConfig metrics.Config) (Bucket, error) {
	base, err := NewWithConfig(config)
	if err != nil {
		return nil, err
	}
	if !metricsConfig.Enabled {
		return base, nil
	}

	registry := metrics.DefaultRegistry
	if metricsConfig.Registry != nil {
		registry = metrics.NewRegistryWithConfig(metricsConfig)
	}

	return &MetricsBucket{
		bucket:   base,
		name:     name,
		registry: registry,
		enabled:  true,
	}, nil
}

// Wrap decorates an existing bucket with an existing registry.
func Wrap(b Bucket, name string, registry *metrics.Registry) *MetricsBucket {
	return &MetricsBucket{bucket: b, name: name, registry: registry, enabled: registry != nil}
}

func (mb *MetricsBucket) record(requested, consumed int64) {
	if !mb.enabled || requested <= 0 {
		return
	}
	mb.registry.BucketRequests.WithLabelValues(mb.name).Add(float64(requested))
	if consumed > 0 {
		mb.registry.BucketConsumed.WithLabelValues(mb.name).Add(float64(consumed))
	}
	if rejected := requested - consumed; rejected > 0 {
		mb.registry.BucketRejected.WithLabelValues(mb.name).Add(float64(rejected))
	}
	mb.registry.BucketTokens.WithLabelValues(mb.name).Set(float64(mb.bucket.AvailableTokens()))
}

func consumedIf(ok bool, n int64) int64 {
	if ok {
		return n
	}
	return 0
}

// TryConsume consumes n tokens if they are available.
func (mb *MetricsBucket) TryConsume(n int64) bool {
	ok := mb.bucket.TryConsume(n)
	mb.record(n, consumedIf(ok, n))
	return ok
}

// TryConsumeAndReturnRemaining is TryConsume with diagnostics.
func (mb *MetricsBucket) TryConsumeAndReturnRemaining(n int64) ConsumptionProbe {
	probe := mb.bucket.TryConsumeAndReturnRemaining(n)
	mb.record(n, consumedIf(probe.Consumed, n))
	return probe
}

// EstimateAbilityToConsume reports whether n tokens could be consumed now.
func (mb *MetricsBucket) EstimateAbilityToConsume(n int64) EstimationProbe {
	return mb.bucket.EstimateAbilityToConsume(n)
}

// ConsumeAsMuchAsPossible consumes up to limit available tokens.
func (mb *MetricsBucket) ConsumeAsMuchAsPossible(limit int64) int64 {
	consumed := mb.bucket.ConsumeAsMuchAsPossible(limit)
	if mb.enabled && consumed > 0 {
		mb.registry.BucketRequests.WithLabelValues(mb.name).Add(float64(consumed))
		mb.registry.BucketConsumed.WithLabelValues(mb.name).Add(float64(consumed))
		mb.registry.BucketTokens.WithLabelValues(mb.name).Set(float64(mb.bucket.AvailableTokens()))
	}
	return consumed
}

// TryConsumeWithWait consumes n tokens, waiting for them at most maxWait.
func (mb *MetricsBucket) TryConsumeWithWait(ctx context.Context, n int64, maxWait time.Duration) (bool, error) {
	start := time.Now()
	ok, err := mb.bucket.TryConsumeWithWait(ctx, n, maxWait)
	mb.observeWait(start)
	mb.record(n, consumedIf(ok && err == nil, n))
	return ok, err
}

// Consume blocks until n tokens are consumed or ctx is done.
func (mb *MetricsBucket) Consume(ctx context.Context, n int64) error {
	start := time.Now()
	err := mb.bucket.Consume(ctx, n)
	mb.observeWait(start)
	mb.record(n, consumedIf(err == nil, n))
	return err
}

func (mb *MetricsBucket) observeWait(start time.Time) {
	if mb.enabled {
		mb.registry.BucketWaitTime.WithLabelValues(mb.name).Observe(time.Since(start).Seconds())
	}
}

// Reserve consumes n tokens ahead of time.
func (mb *MetricsBucket) Reserve(n int64, maxWait time.Duration) (time.Duration, bool) {
	delay, ok := mb.bucket.Reserve(n, maxWait)
	mb.record(n, consumedIf(ok, n))
	return delay, ok
}

// AddTokens adds n tokens without exceeding capacity.
func (mb *MetricsBucket) AddTokens(n int64) {
	mb.bucket.AddTokens(n)
	if mb.enabled && n > 0 {
		mb.registry.BucketAdded.WithLabelValues(mb.name).Add(float64(n))
	}
}

// ForceAddTokens adds n tokens, possibly exceeding capacity.
func (mb *MetricsBucket) ForceAddTokens(n int64) {
	mb.bucket.ForceAddTokens(n)
	if mb.enabled && n > 0 {
		mb.registry.BucketAdded.WithLabelValues(mb.name).Add(float64(n))
	}
}

// AvailableTokens returns the tokens that can be consumed now.
func (mb *MetricsBucket) AvailableTokens() int64 {
	tokens := mb.bucket.AvailableTokens()
	if mb.enabled {
		mb.registry.BucketTokens.WithLabelValues(mb.name).Set(float64(tokens))
	}
	return tokens
}

// Reset refills every bandwidth up to capacity.
func (mb *MetricsBucket) Reset() {
	mb.bucket.Reset()
}

// ReplaceConfiguration swaps the configuration.
func (mb *MetricsBucket) ReplaceConfiguration(cfg *Configuration, strategy TokensInheritanceStrategy) error {
	return mb.bucket.ReplaceConfiguration(cfg, strategy)
}

// Configuration returns the current configuration.
func (mb *MetricsBucket) Configuration() *Configuration {
	return mb.bucket.Configuration()
}

// EnableMetrics enables metrics collection.
func (mb *MetricsBucket) EnableMetrics(config metrics.Config) error {
	mb.enabled = config.Enabled
	if config.Registry != nil {
		mb.registry = metrics.NewRegistryWithConfig(config)
	}
	return nil
}

// DisableMetrics disables metrics collection.
func (mb *MetricsBucket) DisableMetrics() {
	mb.enabled = false
}

// MetricsEnabled returns true if metrics are currently enabled.
func (mb *MetricsBucket) MetricsEnabled() bool {
	return mb.enabled
}

var _ metrics.Instrumentable = (*MetricsBucket)(nil)
