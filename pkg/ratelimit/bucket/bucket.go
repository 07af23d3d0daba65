package bucket

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vnykmshr/bucketflow/pkg/common/errors"
)

// localBucket implements Bucket over a mutex guarded State.
type localBucket struct {
	mu    sync.Mutex
	cfg   *Configuration
	state State
	clock Clock
}

// refill brings the state to the current time. Callers hold mu.
func (lb *localBucket) refill() int64 {
	now := lb.clock.Now().UnixNano()
	lb.state.Refill(lb.cfg, now)
	return now
}

func (lb *localBucket) TryConsume(n int64) bool {
	if n <= 0 {
		return true
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.refill()
	if lb.state.AvailableTokens(lb.cfg) < n {
		return false
	}
	lb.state.Consume(n)
	return true
}

func (lb *localBucket) TryConsumeAndReturnRemaining(n int64) ConsumptionProbe {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := lb.refill()
	if n > 0 && lb.state.AvailableTokens(lb.cfg) < n {
		return Rejected(lb.cfg, lb.state, now, n)
	}
	if n > 0 {
		lb.state.Consume(n)
	}
	return Consumed(lb.cfg, lb.state, now)
}

func (lb *localBucket) EstimateAbilityToConsume(n int64) EstimationProbe {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := lb.refill()
	return Estimate(lb.cfg, lb.state, now, n)
}

func (lb *localBucket) ConsumeAsMuchAsPossible(limit int64) int64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.refill()
	n := min(lb.state.AvailableTokens(lb.cfg), limit)
	if n <= 0 {
		return 0
	}
	lb.state.Consume(n)
	return n
}

func (lb *localBucket) TryConsumeWithWait(ctx context.Context, n int64, maxWait time.Duration) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < maxWait {
			maxWait = until
		}
	}

	delay, ok := lb.Reserve(n, maxWait)
	if !ok {
		return false, nil
	}
	if err := lb.sleep(ctx, n, delay); err != nil {
		return false, err
	}
	return true, nil
}

func (lb *localBucket) Consume(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	delay, ok := lb.Reserve(n, time.Duration(math.MaxInt64))
	if !ok {
		return fmt.Errorf("%d tokens exceed the bucket capacity: %w", n, errors.ErrRateLimited)
	}
	return lb.sleep(ctx, n, delay)
}

// sleep waits out a reservation of n tokens, refunding them when ctx ends first.
func (lb *localBucket) sleep(ctx context.Context, n int64, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		lb.AddTokens(n)
		return ctx.Err()
	}
}

func (lb *localBucket) Reserve(n int64, maxWait time.Duration) (time.Duration, bool) {
	if n <= 0 {
		return 0, true
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := lb.refill()
	delay := lb.state.DelayNanosUntilAvailable(lb.cfg, now, n)
	if delay == math.MaxInt64 || delay > int64(maxWait) {
		return 0, false
	}
	lb.state.Consume(n)
	return time.Duration(delay), true
}

func (lb *localBucket) AddTokens(n int64) {
	if n <= 0 {
		return
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.refill()
	lb.state.AddTokens(lb.cfg, n)
}

func (lb *localBucket) ForceAddTokens(n int64) {
	if n <= 0 {
		return
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.refill()
	lb.state.ForceAddTokens(n)
}

func (lb *localBucket) AvailableTokens() int64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.refill()
	return lb.state.AvailableTokens(lb.cfg)
}

func (lb *localBucket) Reset() {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := lb.clock.Now().UnixNano()
	lb.state.Reset(lb.cfg, now)
}

func (lb *localBucket) ReplaceConfiguration(cfg *Configuration, strategy TokensInheritanceStrategy) error {
	if cfg == nil {
		return errors.NewValidationError("bucket", "configuration", nil, "configuration is required")
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := lb.refill()
	next, ok := lb.state.ReplaceConfiguration(lb.cfg, cfg, strategy, now)
	if !ok {
		return &IncompatibleConfigurationError{Previous: lb.cfg, Requested: cfg}
	}
	lb.cfg = cfg
	lb.state = next
	return nil
}

func (lb *localBucket) Configuration() *Configuration {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.cfg
}
