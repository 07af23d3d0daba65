package bucket

import (
	"github.com/vnykmshr/bucketflow/pkg/common/errors"
)

// ConsumptionProbe describes the outcome of a consumption attempt.
type ConsumptionProbe struct {
	Consumed             bool
	RemainingTokens      int64
	NanosToWaitForRefill int64
	NanosToWaitForReset  int64
}

// EstimationProbe describes whether tokens could be consumed, without
// consuming them.
type EstimationProbe struct {
	CanBeConsumed        bool
	RemainingTokens      int64
	NanosToWaitForRefill int64
}

// Consumed builds the probe of a successful consumption from the state after it.
func Consumed(cfg *Configuration, st State, nowNanos int64) ConsumptionProbe {
	return ConsumptionProbe{
		Consumed:            true,
		RemainingTokens:     nonNegative(st.AvailableTokens(cfg)),
		NanosToWaitForReset: st.NanosUntilFull(cfg, nowNanos),
	}
}

// Rejected builds the probe of a rejected consumption of n tokens.
func Rejected(cfg *Configuration, st State, nowNanos, n int64) ConsumptionProbe {
	return ConsumptionProbe{
		RemainingTokens:      nonNegative(st.AvailableTokens(cfg)),
		NanosToWaitForRefill: st.DelayNanosUntilAvailable(cfg, nowNanos, n),
		NanosToWaitForReset:  st.NanosUntilFull(cfg, nowNanos),
	}
}

// Estimate builds the estimation probe for n tokens.
func Estimate(cfg *Configuration, st State, nowNanos, n int64) EstimationProbe {
	available := st.AvailableTokens(cfg)
	if n <= available {
		return EstimationProbe{CanBeConsumed: true, RemainingTokens: nonNegative(available)}
	}
	return EstimationProbe{
		RemainingTokens:      nonNegative(available),
		NanosToWaitForRefill: st.DelayNanosUntilAvailable(cfg, nowNanos, n),
	}
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// IncompatibleConfigurationError is returned when a configuration cannot
// replace the stored one with the requested inheritance strategy.
type IncompatibleConfigurationError struct {
	Previous  *Configuration
	Requested *Configuration
}

func (e *IncompatibleConfigurationError) Error() string {
	return "incompatible configuration: previous " + e.Previous.String() +
		", requested " + e.Requested.String()
}

// Unwrap returns errors.ErrIncompatibleConfiguration.
func (e *IncompatibleConfigurationError) Unwrap() error {
	return errors.ErrIncompatibleConfiguration
}
