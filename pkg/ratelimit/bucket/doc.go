/*
Package bucket implements the token bucket algorithm over one or more
bandwidths.

A Bandwidth is a capacity plus a refill rule. Greedy refill regenerates tokens
continuously; intervally refill adds the whole amount once per elapsed period.
All arithmetic uses integer tokens and integer nanoseconds: whole periods are
applied first, the remainder is computed with 128-bit multiply and divide, and
additions saturate at capacity instead of wrapping. Fractional progress is
carried by the LastRefillNanos timestamp, so refilling in small steps yields the
same tokens as refilling once.

A Configuration is an immutable, validated list of bandwidths. Validation
happens in NewConfiguration, never at consume time:

	cfg, err := bucket.NewConfiguration(
		bucket.Simple(10, time.Second),   // bursts of 10
		bucket.Simple(1000, time.Hour),   // hourly quota
	)

State holds the counters of every bandwidth and is the unit the distributed
packages persist. Tokens are available only when every limited bandwidth has
them; an optional guaranteed bandwidth acts as a floor.

Bucket is the in-process implementation:

	b, _ := bucket.New(cfg)
	if b.TryConsume(1) {
		// handle request
	}

	// block until a token is available or ctx ends
	if err := b.Consume(ctx, 1); err != nil {
		return err
	}

Time is read through the Clock interface so tests can drive it manually.
*/
package bucket
