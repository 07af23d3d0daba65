package bucket

import (
	"context"
	"time"

	"github.com/vnykmshr/bucketflow/pkg/common/errors"
)

// Bucket is an in-process token bucket enforcing every bandwidth of its
// configuration. Requests for zero or fewer tokens always succeed.
type Bucket interface {
	// TryConsume consumes n tokens if they are available. It does not block.
	TryConsume(n int64) bool

	// TryConsumeAndReturnRemaining is TryConsume with diagnostics.
	TryConsumeAndReturnRemaining(n int64) ConsumptionProbe

	// EstimateAbilityToConsume reports whether n tokens could be consumed
	// now without consuming them.
	EstimateAbilityToConsume(n int64) EstimationProbe

	// ConsumeAsMuchAsPossible consumes up to limit available tokens and
	// returns how many were consumed.
	ConsumeAsMuchAsPossible(limit int64) int64

	// TryConsumeWithWait consumes n tokens, waiting for them at most
	// maxWait. It returns false without waiting when maxWait is too short.
	TryConsumeWithWait(ctx context.Context, n int64, maxWait time.Duration) (bool, error)

	// Consume blocks until n tokens are consumed or ctx is done.
	Consume(ctx context.Context, n int64) error

	// Reserve consumes n tokens ahead of time and returns how long the
	// caller must wait before using them. It returns false when the wait
	// would exceed maxWait.
	Reserve(n int64, maxWait time.Duration) (time.Duration, bool)

	// AddTokens adds n tokens without exceeding capacity.
	AddTokens(n int64)

	// ForceAddTokens adds n tokens, possibly exceeding capacity.
	ForceAddTokens(n int64)

	// AvailableTokens returns the tokens that can be consumed now.
	AvailableTokens() int64

	// Reset refills every bandwidth up to capacity.
	Reset()

	// ReplaceConfiguration swaps the configuration, carrying tokens over
	// according to strategy.
	ReplaceConfiguration(cfg *Configuration, strategy TokensInheritanceStrategy) error

	// Configuration returns the current configuration.
	Configuration() *Configuration
}

// Clock provides the current time. It can be mocked for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Config holds configuration options for creating a local Bucket.
type Config struct {
	// Configuration lists the bandwidths to enforce. Required.
	Configuration *Configuration

	// Clock provides the current time. If nil, SystemClock is used.
	Clock Clock
}

// New creates a local bucket for cfg using the system clock.
func New(cfg *Configuration) (Bucket, error) {
	return NewWithConfig(Config{Configuration: cfg})
}

// NewWithConfig creates a local bucket with validation that returns an
// error instead of panicking.
func NewWithConfig(config Config) (Bucket, error) {
	if config.Configuration == nil {
		return nil, errors.NewValidationError("bucket", "configuration", nil, "configuration is required").
			WithHint("build one with bucket.NewConfiguration")
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}

	now := config.Clock.Now().UnixNano()
	return &localBucket{
		cfg:   config.Configuration,
		state: NewState(config.Configuration, now),
		clock: config.Clock,
	}, nil
}
