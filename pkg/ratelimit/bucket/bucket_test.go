package bucket

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	prom "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/bucketflow/internal/testutil"
	"github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/metrics"
)

func newTestBucket(t *testing.T, clock Clock, bandwidths ...Bandwidth) Bucket {
	t.Helper()
	b, err := NewWithConfig(Config{Configuration: MustConfiguration(bandwidths...), Clock: clock})
	testutil.AssertNoError(t, err)
	return b
}

func TestNewWithConfig(t *testing.T) {
	_, err := NewWithConfig(Config{})
	testutil.AssertErrorIs(t, err, errors.ErrInvalidConfiguration)

	b, err := New(MustConfiguration(Simple(5, time.Second)))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, b.AvailableTokens(), int64(5))
}

func TestTenTokenScenario(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	b := newTestBucket(t, clock, Simple(10, time.Second).WithInitialTokens(10))

	testutil.AssertEqual(t, b.TryConsume(7), true)
	testutil.AssertEqual(t, b.AvailableTokens(), int64(3))

	testutil.AssertEqual(t, b.TryConsume(5), false)
	testutil.AssertEqual(t, b.AvailableTokens(), int64(3))

	clock.Advance(500 * time.Millisecond)
	testutil.AssertEqual(t, b.AvailableTokens(), int64(8))

	clock.Advance(time.Second)
	testutil.AssertEqual(t, b.AvailableTokens(), int64(10))
}

func TestTryConsumeAndReturnRemaining(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	b := newTestBucket(t, clock, Simple(10, time.Second))

	probe := b.TryConsumeAndReturnRemaining(4)
	testutil.AssertEqual(t, probe, ConsumptionProbe{
		Consumed:            true,
		RemainingTokens:     6,
		NanosToWaitForReset: int64(400 * time.Millisecond),
	})

	probe = b.TryConsumeAndReturnRemaining(8)
	testutil.AssertEqual(t, probe, ConsumptionProbe{
		Consumed:             false,
		RemainingTokens:      6,
		NanosToWaitForRefill: int64(200 * time.Millisecond),
		NanosToWaitForReset:  int64(400 * time.Millisecond),
	})
}

func TestEstimateAbilityToConsume(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	b := newTestBucket(t, clock, Simple(10, time.Second).WithInitialTokens(2))

	testutil.AssertEqual(t, b.EstimateAbilityToConsume(2), EstimationProbe{CanBeConsumed: true, RemainingTokens: 2})
	testutil.AssertEqual(t, b.EstimateAbilityToConsume(5), EstimationProbe{
		RemainingTokens:      2,
		NanosToWaitForRefill: int64(300 * time.Millisecond),
	})
	// estimation never consumes
	testutil.AssertEqual(t, b.AvailableTokens(), int64(2))
}

func TestConsumeAsMuchAsPossible(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	b := newTestBucket(t, clock, Simple(10, time.Second))

	testutil.AssertEqual(t, b.ConsumeAsMuchAsPossible(4), int64(4))
	testutil.AssertEqual(t, b.ConsumeAsMuchAsPossible(100), int64(6))
	testutil.AssertEqual(t, b.ConsumeAsMuchAsPossible(100), int64(0))
}

func TestAddTokensAndReset(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	b := newTestBucket(t, clock, Simple(10, time.Second).WithInitialTokens(0))

	b.AddTokens(4)
	testutil.AssertEqual(t, b.AvailableTokens(), int64(4))
	b.AddTokens(40)
	testutil.AssertEqual(t, b.AvailableTokens(), int64(10))
	b.ForceAddTokens(5)
	testutil.AssertEqual(t, b.AvailableTokens(), int64(15))

	testutil.AssertEqual(t, b.TryConsume(15), true)
	b.Reset()
	testutil.AssertEqual(t, b.AvailableTokens(), int64(10))
}

func TestReserve(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	b := newTestBucket(t, clock, Simple(10, time.Second).WithInitialTokens(0))

	delay, ok := b.Reserve(2, time.Second)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, delay, 200*time.Millisecond)

	// the reservation is already accounted for
	delay, ok = b.Reserve(2, time.Second)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, delay, 400*time.Millisecond)

	_, ok = b.Reserve(5, 100*time.Millisecond)
	testutil.AssertEqual(t, ok, false)

	_, ok = b.Reserve(11, time.Hour)
	testutil.AssertEqual(t, ok, false)
}

func TestTryConsumeWithWait(t *testing.T) {
	b := newTestBucket(t, SystemClock{}, Simple(100, time.Second).WithInitialTokens(0))
	ctx := context.Background()

	start := time.Now()
	ok, err := b.TryConsumeWithWait(ctx, 2, time.Second)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("expected to wait for refill, waited %v", elapsed)
	}

	ok, err = b.TryConsumeWithWait(ctx, 50, time.Millisecond)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, false)
}

func TestConsumeCancelRefunds(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	b := newTestBucket(t, clock, Simple(10, time.Minute).WithInitialTokens(0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Consume(ctx, 3)
	testutil.AssertErrorIs(t, err, context.DeadlineExceeded)
	testutil.AssertEqual(t, b.AvailableTokens(), int64(0))
}

func TestConsumeBeyondCapacity(t *testing.T) {
	b := newTestBucket(t, SystemClock{}, Simple(10, time.Second))
	err := b.Consume(context.Background(), 11)
	testutil.AssertErrorIs(t, err, errors.ErrRateLimited)
}

func TestReplaceConfigurationLocal(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	b := newTestBucket(t, clock, Simple(10, time.Second))
	testutil.AssertEqual(t, b.TryConsume(6), true)

	err := b.ReplaceConfiguration(MustConfiguration(Simple(20, time.Second)), Proportionally)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, b.AvailableTokens(), int64(8))

	err = b.ReplaceConfiguration(MustConfiguration(Simple(20, time.Second), Simple(500, time.Minute)), AsIs)
	testutil.AssertErrorIs(t, err, errors.ErrIncompatibleConfiguration)
	testutil.AssertEqual(t, b.Configuration().Len(), 1)
}

func TestConcurrentAccess(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	b := newTestBucket(t, clock, Simple(1000, time.Second))

	const goroutines = 20
	const requestsPerGoroutine = 100

	var wg sync.WaitGroup
	var allowed int64
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < requestsPerGoroutine; j++ {
				if b.TryConsume(1) {
					atomic.AddInt64(&allowed, 1)
				}
				b.AvailableTokens()
			}
		}()
	}
	wg.Wait()

	// the clock is frozen, so exactly the capacity is handed out
	testutil.AssertEqual(t, allowed, int64(1000))
}

func TestMetricsBucket(t *testing.T) {
	clock := testutil.NewMockClock(time.Time{})
	reg := prometheus.NewRegistry()
	b, err := NewWithConfigAndMetrics(
		Config{Configuration: MustConfiguration(Simple(5, time.Second)), Clock: clock},
		"api",
		metrics.Config{Enabled: true, Registry: reg},
	)
	testutil.AssertNoError(t, err)

	mb, ok := b.(*MetricsBucket)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, mb.MetricsEnabled(), true)

	for i := 0; i < 7; i++ {
		b.TryConsume(1)
	}
	b.AddTokens(2)

	m := mb.registry
	testutil.AssertEqual(t, prom.ToFloat64(m.BucketRequests.WithLabelValues("api")), 7.0)
	testutil.AssertEqual(t, prom.ToFloat64(m.BucketConsumed.WithLabelValues("api")), 5.0)
	testutil.AssertEqual(t, prom.ToFloat64(m.BucketRejected.WithLabelValues("api")), 2.0)
	testutil.AssertEqual(t, prom.ToFloat64(m.BucketAdded.WithLabelValues("api")), 2.0)
	testutil.AssertEqual(t, prom.ToFloat64(m.BucketTokens.WithLabelValues("api")), 0.0)

	mb.DisableMetrics()
	b.TryConsume(1)
	testutil.AssertEqual(t, prom.ToFloat64(m.BucketRequests.WithLabelValues("api")), 7.0)
}
