package bucket

import (
	"math"
	"math/big"
)

// State holds one BandwidthState per bandwidth of a configuration, in the
// same order.
type State struct {
	Bandwidths []BandwidthState
}

// NewState returns the initial state of cfg at nowNanos.
func NewState(cfg *Configuration, nowNanos int64) State {
	st := State{Bandwidths: make([]BandwidthState, cfg.Len())}
	for i, b := range cfg.bandwidths {
		st.Bandwidths[i] = newBandwidthState(b, nowNanos)
	}
	return st
}

// Copy returns a deep copy of s.
func (s State) Copy() State {
	return State{Bandwidths: append([]BandwidthState(nil), s.Bandwidths...)}
}

// Equal reports whether both states hold the same counters.
func (s State) Equal(other State) bool {
	if len(s.Bandwidths) != len(other.Bandwidths) {
		return false
	}
	for i := range s.Bandwidths {
		if s.Bandwidths[i] != other.Bandwidths[i] {
			return false
		}
	}
	return true
}

// Refill advances every bandwidth to nowNanos in place.
func (s State) Refill(cfg *Configuration, nowNanos int64) {
	for i, b := range cfg.bandwidths {
		s.Bandwidths[i] = s.Bandwidths[i].Refill(b, nowNanos)
	}
}

// AvailableTokens returns the tokens that can be consumed right now: the
// minimum over limited bandwidths, raised to the guaranteed bandwidth's
// tokens when one is configured.
func (s State) AvailableTokens(cfg *Configuration) int64 {
	available := int64(math.MaxInt64)
	limited := false
	guaranteed := int64(math.MinInt64)
	for i, b := range cfg.bandwidths {
		tokens := s.Bandwidths[i].Available()
		if b.Guaranteed {
			guaranteed = tokens
			continue
		}
		limited = true
		if tokens < available {
			available = tokens
		}
	}
	if !limited || guaranteed > available {
		return guaranteed
	}
	return available
}

// Consume removes n tokens from every bandwidth in place.
func (s State) Consume(n int64) {
	for i := range s.Bandwidths {
		s.Bandwidths[i] = s.Bandwidths[i].Consume(n)
	}
}

// AddTokens adds n tokens to every bandwidth without exceeding capacity.
func (s State) AddTokens(cfg *Configuration, n int64) {
	for i, b := range cfg.bandwidths {
		s.Bandwidths[i] = s.Bandwidths[i].AddTokens(b, n)
	}
}

// ForceAddTokens adds n tokens to every bandwidth ignoring capacity.
func (s State) ForceAddTokens(n int64) {
	for i := range s.Bandwidths {
		s.Bandwidths[i] = s.Bandwidths[i].ForceAddTokens(n)
	}
}

// Reset fills every bandwidth up to capacity.
func (s State) Reset(cfg *Configuration, nowNanos int64) {
	for i, b := range cfg.bandwidths {
		s.Bandwidths[i] = BandwidthState{Tokens: b.Capacity, LastRefillNanos: nowNanos}
	}
}

// DelayNanosUntilAvailable returns the wait until n tokens can be consumed,
// assuming s was refilled at nowNanos. The result is math.MaxInt64 when n
// can never be satisfied.
func (s State) DelayNanosUntilAvailable(cfg *Configuration, nowNanos, n int64) int64 {
	return s.delay(cfg, func(st BandwidthState, b Bandwidth) int64 {
		return st.DelayNanosUntilAvailable(b, nowNanos, n)
	})
}

// DelayNanosToCloseDeficit returns the time until the balance left after
// consuming n tokens is refilled back to zero, n above capacity included.
func (s State) DelayNanosToCloseDeficit(cfg *Configuration, nowNanos, n int64) int64 {
	return s.delay(cfg, func(st BandwidthState, b Bandwidth) int64 {
		return st.DelayNanosToCloseDeficit(b, nowNanos, n)
	})
}

func (s State) delay(cfg *Configuration, of func(BandwidthState, Bandwidth) int64) int64 {
	limitedDelay := int64(0)
	limited := false
	guaranteedDelay := int64(math.MaxInt64)
	for i, b := range cfg.bandwidths {
		delay := of(s.Bandwidths[i], b)
		if b.Guaranteed {
			guaranteedDelay = delay
			continue
		}
		limited = true
		if delay > limitedDelay {
			limitedDelay = delay
		}
	}
	if !limited || guaranteedDelay < limitedDelay {
		return guaranteedDelay
	}
	return limitedDelay
}

// NanosUntilFull returns the time until every bandwidth is at capacity.
func (s State) NanosUntilFull(cfg *Configuration, nowNanos int64) int64 {
	var longest int64
	for i, b := range cfg.bandwidths {
		if d := s.Bandwidths[i].NanosUntilFull(b, nowNanos); d > longest {
			longest = d
		}
	}
	return longest
}

// TokensInheritanceStrategy controls how tokens move to a replacement
// configuration.
type TokensInheritanceStrategy uint8

const (
	// Reset discards the current tokens; bandwidths start from their
	// initial tokens.
	Reset TokensInheritanceStrategy = iota

	// Proportionally keeps the fill ratio of each bandwidth.
	Proportionally

	// AsIs keeps the token count, capped at the new capacity.
	AsIs

	// Additive keeps the token count and adds any capacity growth.
	Additive
)

func (s TokensInheritanceStrategy) String() string {
	switch s {
	case Reset:
		return "reset"
	case Proportionally:
		return "proportionally"
	case AsIs:
		return "as_is"
	case Additive:
		return "additive"
	default:
		return "unknown"
	}
}

// CompatibleReplacement reports whether prev can be replaced by next with
// strategy. Bandwidths without ids are matched by position, so their count
// must not change unless tokens are reset.
func CompatibleReplacement(prev, next *Configuration, strategy TokensInheritanceStrategy) bool {
	if strategy == Reset {
		return true
	}
	if prev.hasIDs() && next.hasIDs() {
		return true
	}
	return prev.Len() == next.Len()
}

// ReplaceConfiguration returns the state of next inherited from s, the
// state of prev, refilled at nowNanos. The second result is false when the
// replacement is incompatible; s is then returned unchanged.
func (s State) ReplaceConfiguration(prev, next *Configuration, strategy TokensInheritanceStrategy, nowNanos int64) (State, bool) {
	if !CompatibleReplacement(prev, next, strategy) {
		return s, false
	}
	if strategy == Reset {
		return NewState(next, nowNanos), true
	}

	byID := prev.hasIDs() && next.hasIDs()
	out := State{Bandwidths: make([]BandwidthState, next.Len())}
	for i, nb := range next.bandwidths {
		j := -1
		if byID {
			for k, pb := range prev.bandwidths {
				if pb.ID == nb.ID {
					j = k
					break
				}
			}
		} else if i < prev.Len() {
			j = i
		}
		if j < 0 {
			out.Bandwidths[i] = newBandwidthState(nb, nowNanos)
			continue
		}
		out.Bandwidths[i] = inherit(prev.bandwidths[j], nb, s.Bandwidths[j], strategy, nowNanos)
	}
	return out, true
}

func inherit(pb, nb Bandwidth, st BandwidthState, strategy TokensInheritanceStrategy, nowNanos int64) BandwidthState {
	tokens := st.Tokens
	switch strategy {
	case Proportionally:
		tokens = scale(tokens, nb.Capacity, pb.Capacity)
	case Additive:
		if nb.Capacity > pb.Capacity {
			tokens = satAdd(tokens, nb.Capacity-pb.Capacity)
		}
	}
	if tokens > nb.Capacity {
		tokens = nb.Capacity
	}
	return BandwidthState{Tokens: tokens, LastRefillNanos: nowNanos}
}

// scale returns floor(v*num/den) for den > 0, saturating at the int64 range.
func scale(v, num, den int64) int64 {
	r := new(big.Int).Mul(big.NewInt(v), big.NewInt(num))
	r.Div(r, big.NewInt(den))
	if !r.IsInt64() {
		if r.Sign() < 0 {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	return r.Int64()
}
