package command

import (
	"math"

	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
)

// base holds the defaults shared by most commands.
type base struct{}

func (base) IsInitialization() bool                     { return false }
func (base) IsImmediateSyncRequired(int64, int64) bool { return false }
func (base) EstimateTokensToConsume() int64             { return 0 }
func (base) ConsumedTokens(any) int64                   { return 0 }
func (base) RequiredVersion() Version                   { return V1 }

// syncing marks commands that must always reach the backend.
type syncing struct{ base }

func (syncing) IsImmediateSyncRequired(int64, int64) bool { return true }

// CreateInitialState stores cfg unless the bucket already exists.
type CreateInitialState struct {
	syncing
	Configuration *bucket.Configuration
}

func (CreateInitialState) Kind() Kind             { return KindCreateInitialState }
func (CreateInitialState) IsInitialization() bool { return true }

func (c CreateInitialState) apply(e *entry, nowNanos int64) CommandResult {
	if !e.exists() {
		e.state = NewRemoteBucketState(c.Configuration, nowNanos)
		e.modified = true
	}
	return Found(nil)
}

// CreateInitialStateAndExecute creates the bucket when missing, then runs Command.
type CreateInitialStateAndExecute struct {
	Configuration *bucket.Configuration
	Command       Command
}

func (CreateInitialStateAndExecute) Kind() Kind             { return KindCreateInitialStateAndExecute }
func (CreateInitialStateAndExecute) IsInitialization() bool { return true }

func (c CreateInitialStateAndExecute) IsImmediateSyncRequired(int64, int64) bool { return true }

func (c CreateInitialStateAndExecute) EstimateTokensToConsume() int64 {
	return c.Command.EstimateTokensToConsume()
}

func (c CreateInitialStateAndExecute) ConsumedTokens(data any) int64 {
	return c.Command.ConsumedTokens(data)
}

func (c CreateInitialStateAndExecute) RequiredVersion() Version {
	return c.Command.RequiredVersion()
}

func (c CreateInitialStateAndExecute) apply(e *entry, nowNanos int64) CommandResult {
	if !e.exists() {
		e.state = NewRemoteBucketState(c.Configuration, nowNanos)
		e.modified = true
	}
	return c.Command.apply(e, nowNanos)
}

// Multi runs Commands in order against the same evolving state.
type Multi struct {
	Commands []Command
}

func (Multi) Kind() Kind { return KindMulti }

// IsInitialization reports whether any sub-command is an initialization.
func (m Multi) IsInitialization() bool {
	for _, c := range m.Commands {
		if c.IsInitialization() {
			return true
		}
	}
	return false
}

func (m Multi) IsImmediateSyncRequired(unsynchronizedTokens, nanosSinceLastSync int64) bool {
	for _, c := range m.Commands {
		if c.IsImmediateSyncRequired(unsynchronizedTokens, nanosSinceLastSync) {
			return true
		}
	}
	return false
}

func (m Multi) EstimateTokensToConsume() int64 {
	var sum int64
	for _, c := range m.Commands {
		sum = satAdd(sum, c.EstimateTokensToConsume())
	}
	return sum
}

func (m Multi) ConsumedTokens(data any) int64 {
	results, ok := data.(MultiResult)
	if !ok {
		return 0
	}
	var sum int64
	for i, c := range m.Commands {
		if i < len(results) && !results[i].NotFound {
			sum = satAdd(sum, c.ConsumedTokens(results[i].Data))
		}
	}
	return sum
}

func (m Multi) RequiredVersion() Version {
	v := V1
	for _, c := range m.Commands {
		v = max(v, c.RequiredVersion())
	}
	return v
}

func (m Multi) apply(e *entry, nowNanos int64) CommandResult {
	results := make(MultiResult, len(m.Commands))
	for i, c := range m.Commands {
		if !e.exists() && !c.IsInitialization() {
			results[i] = NotFoundResult()
			continue
		}
		results[i] = c.apply(e, nowNanos)
	}
	return Found(results)
}

// TryConsume consumes Tokens when all are available. Data: bool.
type TryConsume struct {
	base
	Tokens int64
}

func (TryConsume) Kind() Kind                       { return KindTryConsume }
func (c TryConsume) EstimateTokensToConsume() int64 { return c.Tokens }

func (c TryConsume) ConsumedTokens(data any) int64 {
	if ok, _ := data.(bool); ok {
		return c.Tokens
	}
	return 0
}

func (c TryConsume) apply(e *entry, nowNanos int64) CommandResult {
	e.state.Refill(nowNanos)
	if e.state.AvailableTokens() < c.Tokens {
		return Found(false)
	}
	e.state.State.Consume(c.Tokens)
	e.modified = true
	return Found(true)
}

// TryConsumeAndReturnRemaining is TryConsume with diagnostics.
// Data: bucket.ConsumptionProbe.
type TryConsumeAndReturnRemaining struct {
	base
	Tokens int64
}

func (TryConsumeAndReturnRemaining) Kind() Kind                       { return KindTryConsumeAndReturnRemaining }
func (c TryConsumeAndReturnRemaining) EstimateTokensToConsume() int64 { return c.Tokens }

func (c TryConsumeAndReturnRemaining) ConsumedTokens(data any) int64 {
	if probe, ok := data.(bucket.ConsumptionProbe); ok && probe.Consumed {
		return c.Tokens
	}
	return 0
}

func (c TryConsumeAndReturnRemaining) apply(e *entry, nowNanos int64) CommandResult {
	s := e.state
	s.Refill(nowNanos)
	if s.AvailableTokens() < c.Tokens {
		return Found(bucket.Rejected(s.Configuration, s.State, nowNanos, c.Tokens))
	}
	s.State.Consume(c.Tokens)
	e.modified = true
	return Found(bucket.Consumed(s.Configuration, s.State, nowNanos))
}

// ConsumeAsMuchAsPossible consumes up to Limit available tokens.
// Data: int64 consumed.
type ConsumeAsMuchAsPossible struct {
	base
	Limit int64
}

// ConsumeAll consumes every available token.
func ConsumeAll() ConsumeAsMuchAsPossible {
	return ConsumeAsMuchAsPossible{Limit: math.MaxInt64}
}

func (ConsumeAsMuchAsPossible) Kind() Kind                       { return KindConsumeAsMuchAsPossible }
func (c ConsumeAsMuchAsPossible) EstimateTokensToConsume() int64 { return c.Limit }

func (c ConsumeAsMuchAsPossible) ConsumedTokens(data any) int64 {
	n, _ := data.(int64)
	return n
}

func (c ConsumeAsMuchAsPossible) apply(e *entry, nowNanos int64) CommandResult {
	e.state.Refill(nowNanos)
	n := min(e.state.AvailableTokens(), c.Limit)
	if n <= 0 {
		return Found(int64(0))
	}
	e.state.State.Consume(n)
	e.modified = true
	return Found(n)
}

// AddTokens adds Tokens without exceeding capacity.
type AddTokens struct {
	syncing
	Tokens int64
}

func (AddTokens) Kind() Kind { return KindAddTokens }

func (c AddTokens) apply(e *entry, nowNanos int64) CommandResult {
	e.state.Refill(nowNanos)
	e.state.State.AddTokens(e.state.Configuration, c.Tokens)
	e.modified = true
	return Found(nil)
}

// ForceAddTokens adds Tokens, possibly exceeding capacity.
type ForceAddTokens struct {
	syncing
	Tokens int64
}

func (ForceAddTokens) Kind() Kind               { return KindForceAddTokens }
func (ForceAddTokens) RequiredVersion() Version { return V2 }

func (c ForceAddTokens) apply(e *entry, nowNanos int64) CommandResult {
	e.state.Refill(nowNanos)
	e.state.State.ForceAddTokens(c.Tokens)
	e.modified = true
	return Found(nil)
}

// Reset refills every bandwidth up to capacity.
type Reset struct {
	syncing
}

func (Reset) Kind() Kind               { return KindReset }
func (Reset) RequiredVersion() Version { return V2 }

func (Reset) apply(e *entry, nowNanos int64) CommandResult {
	e.state.State.Reset(e.state.Configuration, nowNanos)
	e.modified = true
	return Found(nil)
}

// ConsumeIgnoringRateLimits consumes Tokens even when they are not
// available, capacity included. Data: int64 nanoseconds until the resulting
// deficit is closed, saturated at math.MaxInt64.
type ConsumeIgnoringRateLimits struct {
	syncing
	Tokens int64
}

func (ConsumeIgnoringRateLimits) Kind() Kind                       { return KindConsumeIgnoringRateLimits }
func (c ConsumeIgnoringRateLimits) EstimateTokensToConsume() int64 { return c.Tokens }

func (c ConsumeIgnoringRateLimits) ConsumedTokens(data any) int64 {
	if _, ok := data.(int64); ok {
		return c.Tokens
	}
	return 0
}

func (c ConsumeIgnoringRateLimits) apply(e *entry, nowNanos int64) CommandResult {
	s := e.state
	s.Refill(nowNanos)
	penalty := s.State.DelayNanosToCloseDeficit(s.Configuration, nowNanos, c.Tokens)
	if c.Tokens > 0 {
		s.State.Consume(c.Tokens)
		e.modified = true
	}
	return Found(penalty)
}

// ReserveAndCalculateTimeToSleep consumes Tokens ahead of time when they
// become available within MaxWaitNanos. Data: int64 nanoseconds to sleep,
// or math.MaxInt64 when nothing was reserved.
type ReserveAndCalculateTimeToSleep struct {
	syncing
	Tokens       int64
	MaxWaitNanos int64
}

func (ReserveAndCalculateTimeToSleep) Kind() Kind                       { return KindReserveAndCalculateTimeToSleep }
func (c ReserveAndCalculateTimeToSleep) EstimateTokensToConsume() int64 { return c.Tokens }

func (c ReserveAndCalculateTimeToSleep) ConsumedTokens(data any) int64 {
	if nanos, ok := data.(int64); ok && nanos != math.MaxInt64 {
		return c.Tokens
	}
	return 0
}

func (c ReserveAndCalculateTimeToSleep) apply(e *entry, nowNanos int64) CommandResult {
	s := e.state
	s.Refill(nowNanos)
	delay := s.State.DelayNanosUntilAvailable(s.Configuration, nowNanos, c.Tokens)
	if delay == math.MaxInt64 || delay > c.MaxWaitNanos {
		return Found(int64(math.MaxInt64))
	}
	s.State.Consume(c.Tokens)
	e.modified = true
	return Found(delay)
}

// GetAvailableTokens reads the available tokens. Data: int64.
type GetAvailableTokens struct {
	base
}

func (GetAvailableTokens) Kind() Kind { return KindGetAvailableTokens }

func (GetAvailableTokens) apply(e *entry, nowNanos int64) CommandResult {
	e.state.Refill(nowNanos)
	return Found(e.state.AvailableTokens())
}

// GetConfiguration reads the stored configuration. Data: *bucket.Configuration.
type GetConfiguration struct {
	base
}

func (GetConfiguration) Kind() Kind { return KindGetConfiguration }

func (GetConfiguration) apply(e *entry, _ int64) CommandResult {
	return Found(e.state.Configuration)
}

// EstimateAbilityToConsume reports whether Tokens could be consumed.
// Data: bucket.EstimationProbe.
type EstimateAbilityToConsume struct {
	base
	Tokens int64
}

func (EstimateAbilityToConsume) Kind() Kind { return KindEstimateAbilityToConsume }

func (c EstimateAbilityToConsume) apply(e *entry, nowNanos int64) CommandResult {
	s := e.state
	s.Refill(nowNanos)
	return Found(bucket.Estimate(s.Configuration, s.State, nowNanos, c.Tokens))
}

// ReplaceConfigurationOrReturnPrevious replaces the stored configuration.
// Data: nil on success, or the stored *bucket.Configuration when the
// replacement is incompatible.
type ReplaceConfigurationOrReturnPrevious struct {
	syncing
	Configuration *bucket.Configuration
	Strategy      bucket.TokensInheritanceStrategy
}

func (ReplaceConfigurationOrReturnPrevious) Kind() Kind {
	return KindReplaceConfigurationOrReturnPrevious
}

func (c ReplaceConfigurationOrReturnPrevious) apply(e *entry, nowNanos int64) CommandResult {
	s := e.state
	s.Refill(nowNanos)
	next, ok := s.State.ReplaceConfiguration(s.Configuration, c.Configuration, c.Strategy, nowNanos)
	if !ok {
		return Found(s.Configuration)
	}
	e.state = &RemoteBucketState{Configuration: c.Configuration, State: next}
	e.modified = true
	return Found(nil)
}

// CreateSnapshot returns a copy of the refilled state.
// Data: *RemoteBucketState.
type CreateSnapshot struct {
	syncing
}

func (CreateSnapshot) Kind() Kind { return KindCreateSnapshot }

func (CreateSnapshot) apply(e *entry, nowNanos int64) CommandResult {
	e.state.Refill(nowNanos)
	return Found(e.state.Copy())
}

// Verbose runs Command and returns its result with a diagnostic snapshot.
// Data: VerboseResult.
type Verbose struct {
	Command Command
}

func (Verbose) Kind() Kind                                { return KindVerbose }
func (v Verbose) IsInitialization() bool                  { return v.Command.IsInitialization() }
func (Verbose) IsImmediateSyncRequired(int64, int64) bool { return true }
func (v Verbose) EstimateTokensToConsume() int64          { return v.Command.EstimateTokensToConsume() }
func (v Verbose) RequiredVersion() Version                { return v.Command.RequiredVersion() }

func (v Verbose) ConsumedTokens(data any) int64 {
	if r, ok := data.(VerboseResult); ok {
		return v.Command.ConsumedTokens(r.Value)
	}
	return 0
}

func (v Verbose) apply(e *entry, nowNanos int64) CommandResult {
	result := v.Command.apply(e, nowNanos)
	if result.NotFound {
		return result
	}
	return Found(VerboseResult{
		OperationTimeNanos: nowNanos,
		Value:              result.Data,
		State:              e.state.Copy(),
	})
}

// Sync is a no-op that forces optimizations to synchronize once at least
// UnsynchronizedTokens are pending and NanosSinceLastSync have elapsed.
type Sync struct {
	base
	UnsynchronizedTokens int64
	NanosSinceLastSync   int64
}

func (Sync) Kind() Kind { return KindSync }

func (s Sync) IsImmediateSyncRequired(unsynchronizedTokens, nanosSinceLastSync int64) bool {
	return unsynchronizedTokens >= s.UnsynchronizedTokens && nanosSinceLastSync >= s.NanosSinceLastSync
}

func (Sync) apply(*entry, int64) CommandResult {
	return Found(nil)
}

func satAdd(a, b int64) int64 {
	s := a + b
	switch {
	case b > 0 && s < a:
		return math.MaxInt64
	case b < 0 && s > a:
		return math.MinInt64
	}
	return s
}
