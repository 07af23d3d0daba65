package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	prom "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/bucketflow/internal/testutil"
	"github.com/vnykmshr/bucketflow/pkg/async"
	bferrors "github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/metrics"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/optimization"
)

func newCASManager(t *testing.T, store *fakeStore, cfg ClientSideConfig) *Manager[string] {
	t.Helper()
	m, err := NewCompareAndSwapManager[string](store, cfg)
	testutil.AssertNoError(t, err)
	return m
}

func countingSupplier(c *counter, cfg *bucket.Configuration) ConfigurationSupplier {
	return func(context.Context) (*bucket.Configuration, error) {
		c.mu.Lock()
		c.calls++
		c.mu.Unlock()
		return cfg, nil
	}
}

func TestReconstructMissingBucket(t *testing.T) {
	store := newFakeStore()
	registry := metrics.NewRegistry(prometheus.NewRegistry())
	cfg := DefaultClientSideConfig()
	cfg.Metrics = registry
	m := newCASManager(t, store, cfg)

	var calls counter
	rb, err := m.Builder().Build("k", countingSupplier(&calls, simpleConfig(t, 10)))
	testutil.AssertNoError(t, err)

	ok, err := rb.TryConsume(context.Background(), 4)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, calls.count(), 1)

	ok, err = rb.TryConsume(context.Background(), 4)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, calls.count(), 1)

	n, err := rb.AvailableTokens(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, int64(2))

	testutil.AssertNoError(t, m.RemoveProxy(context.Background(), "k"))
	n, err = rb.AvailableTokens(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, int64(10))
	testutil.AssertEqual(t, calls.count(), 2)
	testutil.AssertEqual(t, prom.ToFloat64(registry.BucketRecoveries.WithLabelValues("reconstruct")), 2.0)
}

func TestThrowNotFound(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())

	var calls counter
	rb, err := m.Builder().WithRecoveryStrategy(ThrowNotFound).Build("k", countingSupplier(&calls, simpleConfig(t, 10)))
	testutil.AssertNoError(t, err)

	_, err = rb.TryConsume(context.Background(), 1)
	testutil.AssertEqual(t, bferrors.IsBucketNotFound(err), true)
	var nf *bferrors.BucketNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *BucketNotFoundError, got %T", err)
	}
	testutil.AssertEqual(t, nf.Key, any("k"))
	testutil.AssertEqual(t, calls.count(), 0)
}

func TestSupplierFailures(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())

	rb, err := m.Builder().Build("nil", StaticConfiguration(nil))
	testutil.AssertNoError(t, err)
	_, err = rb.TryConsume(context.Background(), 1)
	testutil.AssertEqual(t, bferrors.IsValidationError(err), true)

	rb, err = m.Builder().Build("err", func(context.Context) (*bucket.Configuration, error) {
		return nil, errBackend
	})
	testutil.AssertNoError(t, err)
	_, err = rb.TryConsume(context.Background(), 1)
	testutil.AssertErrorIs(t, err, errBackend)

	_, err = m.Builder().Build("none", nil)
	testutil.AssertEqual(t, bferrors.IsValidationError(err), true)
}

func TestRemoteBucketRejectsNonPositive(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())
	rb, err := m.Builder().Build("k", StaticConfiguration(simpleConfig(t, 10)))
	testutil.AssertNoError(t, err)

	_, err = rb.TryConsume(context.Background(), 0)
	testutil.AssertEqual(t, bferrors.IsValidationError(err), true)
	_, err = rb.ConsumeAsMuchAsPossible(context.Background(), -1)
	testutil.AssertEqual(t, bferrors.IsValidationError(err), true)
	err = rb.AddTokens(context.Background(), 0)
	testutil.AssertEqual(t, bferrors.IsValidationError(err), true)
	testutil.AssertEqual(t, len(store.log()), 0)
}

func TestRemoteBucketOperations(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())
	rb, err := m.Builder().Build("k", StaticConfiguration(simpleConfig(t, 10)))
	testutil.AssertNoError(t, err)
	ctx := context.Background()

	probe, err := rb.TryConsumeAndReturnRemaining(ctx, 3)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, probe.Consumed, true)
	testutil.AssertEqual(t, probe.RemainingTokens, int64(7))

	n, err := rb.ConsumeAsMuchAsPossible(ctx, 100)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, int64(7))

	est, err := rb.EstimateAbilityToConsume(ctx, 1)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, est.CanBeConsumed, false)

	testutil.AssertNoError(t, rb.ForceAddTokens(ctx, 15))
	n, err = rb.AvailableTokens(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, int64(15))

	testutil.AssertNoError(t, rb.AddTokens(ctx, 1))
	n, _ = rb.AvailableTokens(ctx)
	testutil.AssertEqual(t, n, int64(15))

	_, err = rb.ConsumeAsMuchAsPossible(ctx, 15)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, rb.Reset(ctx))
	n, _ = rb.AvailableTokens(ctx)
	testutil.AssertEqual(t, n, int64(10))

	snap, err := rb.CreateSnapshot(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, snap.AvailableTokens(), int64(10))

	testutil.AssertNoError(t, rb.Sync(ctx))
	testutil.AssertNoError(t, rb.SyncByCondition(ctx, 5, time.Second))
}

func TestReserve(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())
	rb, err := m.Builder().Build("k", StaticConfiguration(simpleConfig(t, 1)))
	testutil.AssertNoError(t, err)

	wait, ok, err := rb.Reserve(context.Background(), 1, 0)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, wait, time.Duration(0))

	_, ok, err = rb.Reserve(context.Background(), 1, time.Minute)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, false)

	ok, err = rb.TryConsumeWithWait(context.Background(), 1, time.Minute)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, false)

	err = rb.Consume(context.Background(), 2)
	testutil.AssertErrorIs(t, err, bferrors.ErrRateLimited)
}

func TestTryConsumeWithWait(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())
	cfg, err := bucket.NewConfiguration(bucket.Simple(10, 100*time.Millisecond))
	testutil.AssertNoError(t, err)
	rb, err := m.Builder().Build("k", StaticConfiguration(cfg))
	testutil.AssertNoError(t, err)

	_, err = rb.ConsumeAsMuchAsPossible(context.Background(), 10)
	testutil.AssertNoError(t, err)

	start := time.Now()
	ok, err := rb.TryConsumeWithWait(context.Background(), 1, time.Second)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("waited %v", elapsed)
	}

	testutil.AssertNoError(t, rb.Consume(context.Background(), 1))
}

func TestConsumeGivesBackTokensOnCancel(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())
	rb, err := m.Builder().Build("k", StaticConfiguration(simpleConfig(t, 1)))
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, rb.Consume(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = rb.Consume(ctx, 1)
	testutil.AssertErrorIs(t, err, context.DeadlineExceeded)

	n, err := rb.AvailableTokens(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, int64(0))
}

func TestReplaceConfiguration(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())
	rb, err := m.Builder().Build("k", StaticConfiguration(simpleConfig(t, 10)))
	testutil.AssertNoError(t, err)
	ctx := context.Background()

	_, err = rb.TryConsume(ctx, 4)
	testutil.AssertNoError(t, err)

	wider := simpleConfig(t, 20)
	testutil.AssertNoError(t, rb.ReplaceConfiguration(ctx, wider, bucket.AsIs))
	got, err := rb.GetConfiguration(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.Equal(wider), true)
	n, _ := rb.AvailableTokens(ctx)
	testutil.AssertEqual(t, n, int64(6))

	two, err := bucket.NewConfiguration(bucket.Simple(20, time.Hour), bucket.Simple(5, time.Second))
	testutil.AssertNoError(t, err)
	err = rb.ReplaceConfiguration(ctx, two, bucket.AsIs)
	var incompatible *bucket.IncompatibleConfigurationError
	if !errors.As(err, &incompatible) {
		t.Fatalf("expected *IncompatibleConfigurationError, got %v", err)
	}
	testutil.AssertEqual(t, incompatible.Previous.Equal(wider), true)

	testutil.AssertNoError(t, rb.ReplaceConfiguration(ctx, two, bucket.Reset))
	n, _ = rb.AvailableTokens(ctx)
	testutil.AssertEqual(t, n, int64(5))
}

func TestManagerGetConfiguration(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())

	_, ok, err := m.GetConfiguration(context.Background(), "k")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, false)

	cfg := simpleConfig(t, 10)
	testutil.AssertNoError(t, m.CreateInitialState(context.Background(), "k", cfg))
	got, ok, err := m.GetConfiguration(context.Background(), "k")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, got.Equal(cfg), true)
}

func TestVerboseBucket(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())
	rb, err := m.Builder().Build("k", StaticConfiguration(simpleConfig(t, 10)))
	testutil.AssertNoError(t, err)
	v := rb.Verbose()

	res, err := v.TryConsume(context.Background(), 3)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.Value, true)
	testutil.AssertEqual(t, res.AvailableTokens(), int64(7))
	if res.OperationTimeNanos <= 0 {
		t.Fatalf("operation time = %d", res.OperationTimeNanos)
	}

	avail, err := v.AvailableTokens(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, avail.Value, int64(7))

	cfg, err := v.GetConfiguration(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, cfg.Value.Len(), 1)
}

func TestAsyncBucket(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultClientSideConfig()
	cfg.Executor = async.GoroutineExecutor{}
	m := newCASManager(t, store, cfg)
	testutil.AssertEqual(t, m.IsAsyncModeSupported(), true)

	rb, err := m.Builder().Build("k", StaticConfiguration(simpleConfig(t, 10)))
	testutil.AssertNoError(t, err)
	a := rb.Async()
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	ok, err := a.TryConsume(ctx, 4).Get(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)

	n, err := a.ConsumeAsMuchAsPossible(ctx, 100).Get(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, int64(6))

	_, err = a.AddTokens(ctx, 2).Get(ctx)
	testutil.AssertNoError(t, err)
	n, err = a.AvailableTokens(ctx).Get(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, int64(2))

	two, err := bucket.NewConfiguration(bucket.Simple(20, time.Hour), bucket.Simple(5, time.Second))
	testutil.AssertNoError(t, err)
	_, err = a.ReplaceConfiguration(ctx, two, bucket.AsIs).Get(ctx)
	var incompatible *bucket.IncompatibleConfigurationError
	testutil.AssertEqual(t, errors.As(err, &incompatible), true)

	_, err = a.TryConsume(ctx, 0).Get(ctx)
	testutil.AssertEqual(t, bferrors.IsValidationError(err), true)

	got, err := m.GetConfigurationAsync(ctx, "k").Get(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.Len(), 1)
}

func TestAsyncBucketThrowNotFound(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultClientSideConfig()
	cfg.Executor = async.GoroutineExecutor{}
	m := newCASManager(t, store, cfg)
	rb, err := m.Builder().WithRecoveryStrategy(ThrowNotFound).Build("k", StaticConfiguration(simpleConfig(t, 10)))
	testutil.AssertNoError(t, err)

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()
	_, err = rb.Async().TryConsume(ctx, 1).Get(ctx)
	testutil.AssertEqual(t, bferrors.IsBucketNotFound(err), true)
}

func TestAsyncNotSupported(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())
	rb, err := m.Builder().Build("k", StaticConfiguration(simpleConfig(t, 10)))
	testutil.AssertNoError(t, err)

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()
	_, err = rb.Async().TryConsume(ctx, 1).Get(ctx)
	testutil.AssertErrorIs(t, err, bferrors.ErrAsyncNotSupported)
	_, err = m.ExecuteAsync(ctx, "k", command.GetAvailableTokens{}).Get(ctx)
	testutil.AssertErrorIs(t, err, bferrors.ErrAsyncNotSupported)
}

func TestRemoteBucketWithOptimization(t *testing.T) {
	store := newFakeStore()
	m := newCASManager(t, store, DefaultClientSideConfig())
	opt, err := optimization.Delay(optimization.DelayParameters{
		MaxUnsynchronizedTokens:  5,
		MaxUnsynchronizedTimeout: time.Minute,
	})
	testutil.AssertNoError(t, err)
	rb, err := m.Builder().WithOptimization(opt).Build("k", StaticConfiguration(simpleConfig(t, 10)))
	testutil.AssertNoError(t, err)

	for i := 0; i < 4; i++ {
		ok, err := rb.TryConsume(context.Background(), 1)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, ok, true)
	}
	testutil.AssertNoError(t, rb.Sync(context.Background()))

	_, ok, err := m.GetConfiguration(context.Background(), "k")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)
	res, err := m.Execute(context.Background(), "k", command.GetAvailableTokens{})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.Data, any(int64(6)))
}
