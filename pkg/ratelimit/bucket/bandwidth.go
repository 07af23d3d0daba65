package bucket

import (
	"math"
	"math/bits"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/common/validation"
)

// Refill describes how tokens come back into a bandwidth.
type Refill struct {
	// Tokens is the amount regenerated per Period.
	Tokens int64

	// Period is the time needed to regenerate Tokens.
	Period time.Duration

	// Intervally refills all Tokens at once when a whole Period has
	// elapsed. Otherwise tokens are regenerated continuously.
	Intervally bool
}

// Greedy regenerates tokens continuously: with Greedy(10, time.Second) one
// token becomes available every 100ms.
func Greedy(tokens int64, period time.Duration) Refill {
	return Refill{Tokens: tokens, Period: period}
}

// Intervally regenerates tokens in bursts at period boundaries only.
func Intervally(tokens int64, period time.Duration) Refill {
	return Refill{Tokens: tokens, Period: period, Intervally: true}
}

// Bandwidth is one capacity and refill limit within a configuration.
type Bandwidth struct {
	// ID optionally names the bandwidth. IDs let configuration replacement
	// match bandwidths across configurations with different shapes.
	ID string

	// Capacity is the maximum number of tokens the bandwidth holds.
	Capacity int64

	// InitialTokens is the number of tokens to start with.
	// If negative, starts with full capacity.
	InitialTokens int64

	Refill Refill

	// Guaranteed marks a floor bandwidth. Tokens available through it are
	// granted even when limited bandwidths are exhausted.
	Guaranteed bool
}

// Simple returns a bandwidth holding capacity tokens that are greedily
// regenerated once per period.
func Simple(capacity int64, period time.Duration) Bandwidth {
	return Classic(capacity, Greedy(capacity, period))
}

// Classic returns a bandwidth with independent capacity and refill.
func Classic(capacity int64, refill Refill) Bandwidth {
	return Bandwidth{Capacity: capacity, InitialTokens: -1, Refill: refill}
}

// WithInitialTokens returns a copy of b starting with tokens tokens.
func (b Bandwidth) WithInitialTokens(tokens int64) Bandwidth {
	b.InitialTokens = tokens
	return b
}

// WithID returns a copy of b identified by id.
func (b Bandwidth) WithID(id string) Bandwidth {
	b.ID = id
	return b
}

// AsGuaranteed returns a copy of b acting as guaranteed floor.
func (b Bandwidth) AsGuaranteed() Bandwidth {
	b.Guaranteed = true
	return b
}

func (b Bandwidth) initialTokens() int64 {
	if b.InitialTokens < 0 {
		return b.Capacity
	}
	return b.InitialTokens
}

func (b Bandwidth) validate(index int) error {
	field := func(name string) string {
		if b.ID != "" {
			return "bandwidth[" + b.ID + "]." + name
		}
		return "bandwidth[" + strconv.Itoa(index) + "]." + name
	}
	if err := validation.ValidatePositive("bucket", field("capacity"), b.Capacity); err != nil {
		return err
	}
	if err := validation.ValidatePositive("bucket", field("refill.tokens"), b.Refill.Tokens); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration("bucket", field("refill.period"), b.Refill.Period); err != nil {
		return err
	}
	if b.InitialTokens > b.Capacity {
		return errors.NewValidationError("bucket", field("initialTokens"), b.InitialTokens,
			"initial tokens exceed capacity").
			WithHint("use a negative value to start with full capacity")
	}
	return nil
}

// BandwidthFromRate converts an x/time/rate limit into a greedy bandwidth
// with burst as capacity.
func BandwidthFromRate(limit rate.Limit, burst int) (Bandwidth, error) {
	if limit == rate.Inf || limit <= 0 || math.IsNaN(float64(limit)) {
		return Bandwidth{}, errors.NewValidationError("bucket", "rate", limit, "rate must be positive and finite")
	}
	if burst <= 0 {
		return Bandwidth{}, errors.NewValidationError("bucket", "burst", burst, "burst must be positive").
			WithHint("burst determines how many tokens can be consumed instantly")
	}

	if whole := math.Trunc(float64(limit)); whole == float64(limit) && whole < math.MaxInt64 {
		return Classic(int64(burst), Greedy(int64(whole), time.Second)), nil
	}
	period := time.Duration(float64(time.Second) / float64(limit))
	if period <= 0 {
		return Bandwidth{}, errors.NewValidationError("bucket", "rate", limit, "rate is too high to express")
	}
	return Classic(int64(burst), Greedy(1, period)), nil
}

// BandwidthState is the mutable part of one bandwidth.
type BandwidthState struct {
	// Tokens may be negative after reservations and may exceed capacity
	// after forced additions.
	Tokens int64

	// LastRefillNanos carries fractional refill progress: the time since it
	// has not yet produced a whole token.
	LastRefillNanos int64
}

func newBandwidthState(b Bandwidth, nowNanos int64) BandwidthState {
	return BandwidthState{Tokens: b.initialTokens(), LastRefillNanos: nowNanos}
}

// Refill returns st advanced to nowNanos under the refill of b. Clock skew
// (nowNanos at or before the last refill) leaves st untouched.
func (st BandwidthState) Refill(b Bandwidth, nowNanos int64) BandwidthState {
	if nowNanos <= st.LastRefillNanos {
		return st
	}
	if st.Tokens >= b.Capacity {
		st.LastRefillNanos = nowNanos
		return st
	}

	elapsed := uint64(nowNanos - st.LastRefillNanos)
	period := uint64(b.Refill.Period)
	tokens := uint64(b.Refill.Tokens)
	// tokens may be far below zero, unsigned arithmetic keeps the gap exact
	missing := uint64(b.Capacity) - uint64(st.Tokens)

	periods := elapsed / period
	if periods > 0 {
		hi, add := bits.Mul64(periods, tokens)
		if hi != 0 || add >= missing {
			st.Tokens = b.Capacity
			st.LastRefillNanos = nowNanos
			return st
		}
		st.Tokens += int64(add)
		missing -= add
		st.LastRefillNanos += int64(periods * period)
	}
	if b.Refill.Intervally {
		return st
	}

	rem := elapsed % period
	if rem == 0 {
		return st
	}
	hi, lo := bits.Mul64(rem, tokens)
	frac, _ := bits.Div64(hi, lo, period)
	if frac == 0 {
		return st
	}
	if frac >= missing {
		st.Tokens = b.Capacity
		st.LastRefillNanos = nowNanos
		return st
	}
	st.Tokens += int64(frac)

	// move the timestamp by the time those tokens took, rounded up, so the
	// remaining fraction stays in (LastRefillNanos, now]
	hi, lo = bits.Mul64(frac, period)
	used, r := bits.Div64(hi, lo, tokens)
	if r != 0 {
		used++
	}
	st.LastRefillNanos += int64(used)
	return st
}

// Available returns the tokens held by st.
func (st BandwidthState) Available() int64 {
	return st.Tokens
}

// Consume removes n tokens. The caller checks availability; the balance
// may become negative for reservations.
func (st BandwidthState) Consume(n int64) BandwidthState {
	st.Tokens = satSub(st.Tokens, n)
	return st
}

// AddTokens adds n tokens without exceeding capacity.
func (st BandwidthState) AddTokens(b Bandwidth, n int64) BandwidthState {
	if st.Tokens >= b.Capacity {
		return st
	}
	st.Tokens = satAdd(st.Tokens, n)
	if st.Tokens > b.Capacity {
		st.Tokens = b.Capacity
	}
	return st
}

// ForceAddTokens adds n tokens, possibly exceeding capacity.
func (st BandwidthState) ForceAddTokens(n int64) BandwidthState {
	st.Tokens = satAdd(st.Tokens, n)
	return st
}

// DelayNanosUntilAvailable returns how long to wait from nowNanos until n
// tokens are available, assuming st was refilled at nowNanos. It returns
// math.MaxInt64 when n exceeds capacity or the wait does not fit an int64.
func (st BandwidthState) DelayNanosUntilAvailable(b Bandwidth, nowNanos, n int64) int64 {
	if n > b.Capacity {
		return math.MaxInt64
	}
	return st.delayForDeficit(b, nowNanos, satSub(n, st.Tokens))
}

// DelayNanosToCloseDeficit returns how long to wait from nowNanos until the
// balance left after consuming n tokens is back at zero. Unlike
// DelayNanosUntilAvailable it accepts n above capacity; it returns
// math.MaxInt64 only when the wait does not fit an int64.
func (st BandwidthState) DelayNanosToCloseDeficit(b Bandwidth, nowNanos, n int64) int64 {
	return st.delayForDeficit(b, nowNanos, satSub(n, st.Tokens))
}

// NanosUntilFull returns how long the bandwidth needs to refill up to its
// capacity from st.
func (st BandwidthState) NanosUntilFull(b Bandwidth, nowNanos int64) int64 {
	return st.delayForDeficit(b, nowNanos, satSub(b.Capacity, st.Tokens))
}

func (st BandwidthState) delayForDeficit(b Bandwidth, nowNanos, deficit int64) int64 {
	if deficit <= 0 {
		return 0
	}
	period := uint64(b.Refill.Period)
	tokens := uint64(b.Refill.Tokens)

	var total uint64
	if b.Refill.Intervally {
		periods := (uint64(deficit) + tokens - 1) / tokens
		hi, lo := bits.Mul64(periods, period)
		if hi != 0 || lo > math.MaxInt64 {
			return math.MaxInt64
		}
		total = lo
	} else {
		hi, lo := bits.Mul64(uint64(deficit), period)
		if hi >= tokens {
			return math.MaxInt64
		}
		q, r := bits.Div64(hi, lo, tokens)
		if r != 0 {
			q++
		}
		if q > math.MaxInt64 {
			return math.MaxInt64
		}
		total = q
	}

	progress := nowNanos - st.LastRefillNanos
	if progress < 0 {
		progress = 0
	}
	wait := int64(total) - progress
	if wait < 0 {
		return 0
	}
	return wait
}

func satAdd(a, b int64) int64 {
	s := a + b
	if b > 0 && s < a {
		return math.MaxInt64
	}
	if b < 0 && s > a {
		return math.MinInt64
	}
	return s
}

func satSub(a, b int64) int64 {
	if b == math.MinInt64 {
		return satAdd(satAdd(a, math.MaxInt64), 1)
	}
	return satAdd(a, -b)
}
