package optimization

import (
	"time"

	"github.com/vnykmshr/bucketflow/pkg/metrics"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
)

// Optimization decorates the executor of one bucket. Implementations are
// stateless: every Apply call creates fresh per-bucket state.
type Optimization interface {
	Apply(executor command.CommandExecutor) command.CommandExecutor
	ApplyAsync(executor command.AsyncCommandExecutor) command.AsyncCommandExecutor
}

// Listener observes the work an optimization saved.
type Listener interface {
	// IncrementMergeCount records n commands merged into another request.
	IncrementMergeCount(n int64)

	// IncrementSkipCount records n commands answered without a request.
	IncrementSkipCount(n int64)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) IncrementMergeCount(int64) {}
func (NopListener) IncrementSkipCount(int64)  {}

// MetricsListener reports events to Prometheus under the given
// optimization label.
type MetricsListener struct {
	registry *metrics.Registry
	name     string
}

// NewMetricsListener returns a listener recording into registry. A nil
// registry selects metrics.DefaultRegistry.
func NewMetricsListener(registry *metrics.Registry, name string) *MetricsListener {
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	return &MetricsListener{registry: registry, name: name}
}

func (l *MetricsListener) IncrementMergeCount(n int64) {
	l.registry.OptimizationMerges.WithLabelValues(l.name).Add(float64(n))
}

func (l *MetricsListener) IncrementSkipCount(n int64) {
	l.registry.OptimizationSkips.WithLabelValues(l.name).Add(float64(n))
}

// Option configures an optimization.
type Option func(*options)

type options struct {
	listener Listener
	clock    bucket.Clock
}

func newOptions(opts []Option) options {
	o := options{listener: NopListener{}, clock: bucket.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithListener sets the listener notified of merged and skipped commands.
func WithListener(l Listener) Option {
	return func(o *options) {
		if l != nil {
			o.listener = l
		}
	}
}

// WithClock sets the clock used to evaluate commands locally.
func WithClock(c bucket.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// DelayParameters bound how far local state may drift from the backend.
type DelayParameters struct {
	// MaxUnsynchronizedTokens is the most tokens consumed locally before a
	// synchronization is forced.
	MaxUnsynchronizedTokens int64

	// MaxUnsynchronizedTimeout is the longest time between synchronizations.
	MaxUnsynchronizedTimeout time.Duration
}

// PredictionParameters control the forecast of consumption by other nodes.
type PredictionParameters struct {
	// MinSamples is the number of samples needed before predicting.
	MinSamples int

	// MaxSamples is the number of samples kept.
	MaxSamples int

	// SampleMaxAge discards samples older than this.
	SampleMaxAge time.Duration
}

// DefaultPredictionParameters returns parameters keeping two to ten samples
// no older than twice the synchronization timeout.
func DefaultPredictionParameters(delay DelayParameters) PredictionParameters {
	return PredictionParameters{
		MinSamples:   2,
		MaxSamples:   10,
		SampleMaxAge: 2 * delay.MaxUnsynchronizedTimeout,
	}
}

type none struct{}

func (none) Apply(e command.CommandExecutor) command.CommandExecutor                { return e }
func (none) ApplyAsync(e command.AsyncCommandExecutor) command.AsyncCommandExecutor { return e }

// None returns an optimization that leaves executors untouched.
func None() Optimization {
	return none{}
}
