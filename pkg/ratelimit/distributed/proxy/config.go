package proxy

import (
	"log/slog"
	"time"

	"github.com/vnykmshr/bucketflow/pkg/async"
	"github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/common/validation"
	"github.com/vnykmshr/bucketflow/pkg/metrics"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
)

// DefaultMaxRetries bounds the select-for-update retry loop.
const DefaultMaxRetries = 16

// ClientSideConfig holds the settings shared by every manager discipline.
type ClientSideConfig struct {
	// Clock, when set, stamps every request with client time so that all
	// nodes agree on the refill timeline. When nil the backend clock is used.
	Clock bucket.Clock

	// RequestTimeout bounds every backend operation. Zero disables it.
	RequestTimeout time.Duration

	// BackwardCompatibilityVersion is the protocol version used for requests
	// and persisted state. Lower it while older nodes still read the store.
	BackwardCompatibilityVersion command.Version

	// Expiration computes the time to live of written keys.
	Expiration ExpirationAfterWrite

	// Executor runs asynchronous operations. Async mode is unsupported
	// when nil.
	Executor async.Executor

	// Logger receives retry, recovery and rollback events.
	Logger *slog.Logger

	// Metrics records remote command activity. Nil disables metrics.
	Metrics *metrics.Registry

	// MaxRetries bounds select-for-update attempts.
	MaxRetries int
}

// DefaultClientSideConfig returns a configuration using the backend clock,
// the current protocol version and no expiration.
func DefaultClientSideConfig() ClientSideConfig {
	return ClientSideConfig{
		BackwardCompatibilityVersion: command.CurrentVersion,
		Expiration:                   NoExpiration(),
		Logger:                       slog.Default(),
		MaxRetries:                   DefaultMaxRetries,
	}
}

func (c ClientSideConfig) validate() error {
	if err := validation.ValidateNonNegativeDuration("proxy", "request_timeout", c.RequestTimeout); err != nil {
		return err
	}
	if err := validation.ValidatePositive("proxy", "max_retries", int64(c.MaxRetries)); err != nil {
		return err
	}
	v := c.BackwardCompatibilityVersion
	if v < command.MinSupportedVersion || v > command.CurrentVersion {
		return errors.NewValidationError("proxy", "backward_compatibility_version", v, "unsupported protocol version").
			WithHint("use a version between command.MinSupportedVersion and command.CurrentVersion")
	}
	return nil
}

func (c ClientSideConfig) withDefaults() ClientSideConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Expiration == nil {
		c.Expiration = NoExpiration()
	}
	if c.BackwardCompatibilityVersion == 0 {
		c.BackwardCompatibilityVersion = command.CurrentVersion
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// ExpirationAfterWrite computes how long a key may live after a write.
type ExpirationAfterWrite interface {
	// TTL returns the time to live of state written at nowNanos. Zero
	// means the key never expires.
	TTL(state *command.RemoteBucketState, nowNanos int64) time.Duration
}

type noExpiration struct{}

func (noExpiration) TTL(*command.RemoteBucketState, int64) time.Duration { return 0 }

// NoExpiration keeps keys forever.
func NoExpiration() ExpirationAfterWrite {
	return noExpiration{}
}

type refillUpToMax struct {
	keep time.Duration
}

func (e refillUpToMax) TTL(state *command.RemoteBucketState, nowNanos int64) time.Duration {
	full := state.State.NanosUntilFull(state.Configuration, nowNanos)
	if full > int64(maxDuration-e.keep) {
		return maxDuration
	}
	return max(time.Duration(full)+e.keep, minTTL)
}

// minTTL keeps a computed expiration from meaning "never expires".
const minTTL = time.Millisecond

const maxDuration = time.Duration(1<<63 - 1)

// BasedOnTimeForRefillingBucketUpToMax expires a key once its bucket would be
// full again plus keep. A full bucket is indistinguishable from a fresh one,
// so dropping it loses nothing.
func BasedOnTimeForRefillingBucketUpToMax(keep time.Duration) ExpirationAfterWrite {
	if keep < 0 {
		keep = 0
	}
	return refillUpToMax{keep: keep}
}
