package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	bfctx "github.com/vnykmshr/bucketflow/pkg/common/context"
	bferrors "github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/common/validation"
	"github.com/vnykmshr/bucketflow/pkg/metrics"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/optimization"
)

// RecoveryStrategy decides what happens when a bucket is missing from the
// backend, either because it was never created or because it expired.
type RecoveryStrategy uint8

const (
	// Reconstruct recreates the bucket from the configuration supplier and
	// re-runs the command in the same transaction.
	Reconstruct RecoveryStrategy = iota

	// ThrowNotFound surfaces *errors.BucketNotFoundError.
	ThrowNotFound
)

func (s RecoveryStrategy) String() string {
	switch s {
	case Reconstruct:
		return "reconstruct"
	case ThrowNotFound:
		return "throw_not_found"
	default:
		return "unknown"
	}
}

// ConfigurationSupplier provides the configuration of a bucket being
// (re)created. It is called lazily, at most once per recovery.
type ConfigurationSupplier func(ctx context.Context) (*bucket.Configuration, error)

// StaticConfiguration returns a supplier that always yields cfg.
func StaticConfiguration(cfg *bucket.Configuration) ConfigurationSupplier {
	return func(context.Context) (*bucket.Configuration, error) {
		return cfg, nil
	}
}

// Builder configures RemoteBucket handles.
type Builder[K comparable] struct {
	manager      *Manager[K]
	recovery     RecoveryStrategy
	optimization optimization.Optimization
}

// WithRecoveryStrategy sets the strategy applied to missing buckets.
func (b *Builder[K]) WithRecoveryStrategy(s RecoveryStrategy) *Builder[K] {
	b.recovery = s
	return b
}

// WithOptimization routes commands through opt.
func (b *Builder[K]) WithOptimization(opt optimization.Optimization) *Builder[K] {
	b.optimization = opt
	return b
}

// Build returns a handle for the bucket stored under key.
func (b *Builder[K]) Build(key K, supplier ConfigurationSupplier) (*RemoteBucket[K], error) {
	if supplier == nil {
		return nil, validation.ValidateNotNil("proxy", "configuration_supplier", nil)
	}
	rb := &RemoteBucket[K]{
		key:      key,
		recovery: b.recovery,
		supplier: supplier,
		logger:   b.manager.cfg.Logger,
		metrics:  b.manager.cfg.Metrics,
		exec:     b.manager.Executor(key),
	}
	if b.manager.IsAsyncModeSupported() {
		rb.asyncExec = b.manager.AsyncExecutor(key)
	}
	if b.optimization != nil {
		rb.exec = b.optimization.Apply(rb.exec)
		if rb.asyncExec != nil {
			rb.asyncExec = b.optimization.ApplyAsync(rb.asyncExec)
		}
	}
	return rb, nil
}

// RemoteBucket is a client handle to a bucket held by a backend. It is safe
// for concurrent use.
type RemoteBucket[K comparable] struct {
	key       K
	recovery  RecoveryStrategy
	supplier  ConfigurationSupplier
	logger    *slog.Logger
	metrics   *metrics.Registry
	exec      command.CommandExecutor
	asyncExec command.AsyncCommandExecutor
}

// Key returns the key of the bucket.
func (rb *RemoteBucket[K]) Key() K {
	return rb.key
}

// execute runs cmd and applies the recovery strategy to a missing bucket.
func (rb *RemoteBucket[K]) execute(ctx context.Context, cmd command.Command) (any, error) {
	res, err := rb.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !res.NotFound {
		return res.Data, nil
	}

	recovery, err := rb.recover(ctx, cmd)
	if err != nil {
		return nil, err
	}
	res, err = rb.exec.Execute(ctx, recovery)
	if err != nil {
		return nil, err
	}
	if res.NotFound {
		return nil, &bferrors.BucketNotFoundError{Key: rb.key}
	}
	return res.Data, nil
}

// recover returns the command to run in place of cmd against a missing bucket.
func (rb *RemoteBucket[K]) recover(ctx context.Context, cmd command.Command) (command.Command, error) {
	if rb.metrics != nil {
		rb.metrics.BucketRecoveries.WithLabelValues(rb.recovery.String()).Inc()
	}
	if rb.recovery == ThrowNotFound {
		return nil, &bferrors.BucketNotFoundError{Key: rb.key}
	}

	cfg, err := rb.supplier(ctx)
	if err != nil {
		return nil, fmt.Errorf("supply configuration for %v: %w", rb.key, err)
	}
	if cfg == nil {
		return nil, bferrors.NewValidationError("proxy", "configuration", nil, "supplier returned nil").
			WithHint("the configuration supplier must return a configuration or an error")
	}
	rb.logger.Debug("reconstructing missing bucket", "key", rb.key, "command", cmd.Kind().String())
	return command.CreateInitialStateAndExecute{Configuration: cfg, Command: cmd}, nil
}

func positive(field string, n int64) error {
	return validation.ValidatePositive("proxy", field, n)
}

// TryConsume consumes n tokens if they are available.
func (rb *RemoteBucket[K]) TryConsume(ctx context.Context, n int64) (bool, error) {
	if err := positive("tokens", n); err != nil {
		return false, err
	}
	data, err := rb.execute(ctx, command.TryConsume{Tokens: n})
	ok, _ := data.(bool)
	return ok, err
}

// TryConsumeAndReturnRemaining is TryConsume with diagnostics.
func (rb *RemoteBucket[K]) TryConsumeAndReturnRemaining(ctx context.Context, n int64) (bucket.ConsumptionProbe, error) {
	if err := positive("tokens", n); err != nil {
		return bucket.ConsumptionProbe{}, err
	}
	data, err := rb.execute(ctx, command.TryConsumeAndReturnRemaining{Tokens: n})
	probe, _ := data.(bucket.ConsumptionProbe)
	return probe, err
}

// EstimateAbilityToConsume reports whether n tokens could be consumed now.
func (rb *RemoteBucket[K]) EstimateAbilityToConsume(ctx context.Context, n int64) (bucket.EstimationProbe, error) {
	if err := positive("tokens", n); err != nil {
		return bucket.EstimationProbe{}, err
	}
	data, err := rb.execute(ctx, command.EstimateAbilityToConsume{Tokens: n})
	probe, _ := data.(bucket.EstimationProbe)
	return probe, err
}

// ConsumeAsMuchAsPossible consumes up to limit available tokens.
func (rb *RemoteBucket[K]) ConsumeAsMuchAsPossible(ctx context.Context, limit int64) (int64, error) {
	if err := positive("limit", limit); err != nil {
		return 0, err
	}
	data, err := rb.execute(ctx, command.ConsumeAsMuchAsPossible{Limit: limit})
	n, _ := data.(int64)
	return n, err
}

// Reserve consumes n tokens ahead of time. It returns the wait before the
// tokens may be used, or false when the wait would exceed maxWait.
func (rb *RemoteBucket[K]) Reserve(ctx context.Context, n int64, maxWait time.Duration) (time.Duration, bool, error) {
	if err := positive("tokens", n); err != nil {
		return 0, false, err
	}
	data, err := rb.execute(ctx, command.ReserveAndCalculateTimeToSleep{Tokens: n, MaxWaitNanos: int64(maxWait)})
	if err != nil {
		return 0, false, err
	}
	nanos, _ := data.(int64)
	if nanos == math.MaxInt64 {
		return 0, false, nil
	}
	return time.Duration(nanos), true, nil
}

// TryConsumeWithWait consumes n tokens, waiting for them at most maxWait.
// Tokens reserved for a wait cut short by ctx are given back.
func (rb *RemoteBucket[K]) TryConsumeWithWait(ctx context.Context, n int64, maxWait time.Duration) (bool, error) {
	if deadline, ok := ctx.Deadline(); ok {
		maxWait = min(maxWait, time.Until(deadline))
	}
	delay, ok, err := rb.Reserve(ctx, n, maxWait)
	if err != nil || !ok {
		return false, err
	}
	if err := rb.sleep(ctx, n, delay); err != nil {
		return false, err
	}
	return true, nil
}

// Consume blocks until n tokens are consumed or ctx is done.
func (rb *RemoteBucket[K]) Consume(ctx context.Context, n int64) error {
	delay, ok, err := rb.Reserve(ctx, n, time.Duration(math.MaxInt64))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%d tokens exceed the bucket capacity: %w", n, bferrors.ErrRateLimited)
	}
	return rb.sleep(ctx, n, delay)
}

func (rb *RemoteBucket[K]) sleep(ctx context.Context, n int64, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		rb.logger.Debug("giving back reserved tokens", "key", rb.key, "tokens", n, "timed_out", bfctx.IsTimedOut(ctx))
		if err := rb.AddTokens(context.WithoutCancel(ctx), n); err != nil {
			rb.logger.Warn("failed to give back reserved tokens", "key", rb.key, "tokens", n, "error", err)
		}
		return ctx.Err()
	}
}

// AddTokens adds n tokens without exceeding capacity.
func (rb *RemoteBucket[K]) AddTokens(ctx context.Context, n int64) error {
	if err := positive("tokens", n); err != nil {
		return err
	}
	_, err := rb.execute(ctx, command.AddTokens{Tokens: n})
	return err
}

// ForceAddTokens adds n tokens, possibly exceeding capacity.
func (rb *RemoteBucket[K]) ForceAddTokens(ctx context.Context, n int64) error {
	if err := positive("tokens", n); err != nil {
		return err
	}
	_, err := rb.execute(ctx, command.ForceAddTokens{Tokens: n})
	return err
}

// AvailableTokens returns the tokens that can be consumed now.
func (rb *RemoteBucket[K]) AvailableTokens(ctx context.Context) (int64, error) {
	data, err := rb.execute(ctx, command.GetAvailableTokens{})
	n, _ := data.(int64)
	return n, err
}

// Reset refills every bandwidth up to capacity.
func (rb *RemoteBucket[K]) Reset(ctx context.Context) error {
	_, err := rb.execute(ctx, command.Reset{})
	return err
}

// ReplaceConfiguration swaps the stored configuration. An incompatible
// replacement fails with *bucket.IncompatibleConfigurationError.
func (rb *RemoteBucket[K]) ReplaceConfiguration(ctx context.Context, cfg *bucket.Configuration, strategy bucket.TokensInheritanceStrategy) error {
	if cfg == nil {
		return validation.ValidateNotNil("proxy", "configuration", nil)
	}
	data, err := rb.execute(ctx, command.ReplaceConfigurationOrReturnPrevious{Configuration: cfg, Strategy: strategy})
	if err != nil {
		return err
	}
	if prev, ok := data.(*bucket.Configuration); ok && prev != nil {
		return &bucket.IncompatibleConfigurationError{Previous: prev, Requested: cfg}
	}
	return nil
}

// CreateSnapshot returns a copy of the stored state.
func (rb *RemoteBucket[K]) CreateSnapshot(ctx context.Context) (*command.RemoteBucketState, error) {
	data, err := rb.execute(ctx, command.CreateSnapshot{})
	s, _ := data.(*command.RemoteBucketState)
	return s, err
}

// GetConfiguration returns the stored configuration.
func (rb *RemoteBucket[K]) GetConfiguration(ctx context.Context) (*bucket.Configuration, error) {
	data, err := rb.execute(ctx, command.GetConfiguration{})
	cfg, _ := data.(*bucket.Configuration)
	return cfg, err
}

// Sync flushes any state held by an optimization to the backend.
func (rb *RemoteBucket[K]) Sync(ctx context.Context) error {
	return rb.SyncByCondition(ctx, 0, 0)
}

// SyncByCondition flushes optimization state once at least
// unsynchronizedTokens are pending and timeSinceLastSync has elapsed.
func (rb *RemoteBucket[K]) SyncByCondition(ctx context.Context, unsynchronizedTokens int64, timeSinceLastSync time.Duration) error {
	_, err := rb.execute(ctx, command.Sync{
		UnsynchronizedTokens: unsynchronizedTokens,
		NanosSinceLastSync:   int64(timeSinceLastSync),
	})
	return err
}

// Verbose returns a view whose operations also report the bucket state.
func (rb *RemoteBucket[K]) Verbose() *VerboseBucket[K] {
	return &VerboseBucket[K]{rb: rb}
}

// Async returns the asynchronous view of the bucket. It fails every
// operation with errors.ErrAsyncNotSupported when the manager has no
// executor.
func (rb *RemoteBucket[K]) Async() *AsyncBucket[K] {
	return &AsyncBucket[K]{rb: rb}
}
