package command

import (
	"context"

	"github.com/vnykmshr/bucketflow/pkg/async"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
)

// Version identifies a revision of the binary protocol.
type Version = uint16

const (
	// V1 is the baseline protocol.
	V1 Version = 1

	// V2 adds bandwidth ids, ConsumptionProbe.NanosToWaitForReset and the
	// Reset and ForceAddTokens commands.
	V2 Version = 2

	// MinSupportedVersion is the oldest version this package reads and writes.
	MinSupportedVersion = V1

	// CurrentVersion is the newest version this package reads and writes.
	CurrentVersion = V2
)

// Kind identifies a command variant. The value doubles as the type id of the
// command on the wire and must never be reused.
type Kind uint16

const (
	KindCreateInitialState                   Kind = 1
	KindCreateInitialStateAndExecute         Kind = 2
	KindMulti                                Kind = 3
	KindReserveAndCalculateTimeToSleep       Kind = 4
	KindAddTokens                            Kind = 5
	KindConsumeAsMuchAsPossible              Kind = 6
	KindCreateSnapshot                       Kind = 7
	KindGetAvailableTokens                   Kind = 8
	KindEstimateAbilityToConsume             Kind = 9
	KindTryConsume                           Kind = 10
	KindTryConsumeAndReturnRemaining         Kind = 11
	KindReplaceConfigurationOrReturnPrevious Kind = 12
	KindGetConfiguration                     Kind = 13
	KindConsumeIgnoringRateLimits            Kind = 14
	KindVerbose                              Kind = 15
	KindSync                                 Kind = 16
	KindReset                                Kind = 17
	KindForceAddTokens                       Kind = 18
)

var kindNames = map[Kind]string{
	KindCreateInitialState:                   "create_initial_state",
	KindCreateInitialStateAndExecute:         "create_initial_state_and_execute",
	KindMulti:                                "multi",
	KindReserveAndCalculateTimeToSleep:       "reserve_and_calculate_time_to_sleep",
	KindAddTokens:                            "add_tokens",
	KindConsumeAsMuchAsPossible:              "consume_as_much_as_possible",
	KindCreateSnapshot:                       "create_snapshot",
	KindGetAvailableTokens:                   "get_available_tokens",
	KindEstimateAbilityToConsume:             "estimate_ability_to_consume",
	KindTryConsume:                           "try_consume",
	KindTryConsumeAndReturnRemaining:         "try_consume_and_return_remaining",
	KindReplaceConfigurationOrReturnPrevious: "replace_configuration_or_return_previous",
	KindGetConfiguration:                     "get_configuration",
	KindConsumeIgnoringRateLimits:            "consume_ignoring_rate_limits",
	KindVerbose:                              "verbose",
	KindSync:                                 "sync",
	KindReset:                                "reset",
	KindForceAddTokens:                       "force_add_tokens",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Command is a deterministic operation on a remote bucket. The set of
// commands is closed: only types of this package implement it.
type Command interface {
	// Kind identifies the variant.
	Kind() Kind

	// IsInitialization reports whether the command may run against a
	// missing bucket, creating it.
	IsInitialization() bool

	// IsImmediateSyncRequired reports whether an optimization holding
	// unsynchronizedTokens for nanosSinceLastSync must send this command to
	// the backend instead of answering it locally.
	IsImmediateSyncRequired(unsynchronizedTokens, nanosSinceLastSync int64) bool

	// EstimateTokensToConsume is the most tokens the command may consume.
	EstimateTokensToConsume() int64

	// ConsumedTokens returns the tokens actually consumed, given the data
	// the command produced.
	ConsumedTokens(resultData any) int64

	// RequiredVersion is the oldest protocol version able to carry the command.
	RequiredVersion() Version

	apply(e *entry, nowNanos int64) CommandResult
}

// RemoteBucketState is the unit persisted for every key.
type RemoteBucketState struct {
	Configuration *bucket.Configuration
	State         bucket.State
}

// NewRemoteBucketState returns the initial state of cfg at nowNanos.
func NewRemoteBucketState(cfg *bucket.Configuration, nowNanos int64) *RemoteBucketState {
	return &RemoteBucketState{Configuration: cfg, State: bucket.NewState(cfg, nowNanos)}
}

// Copy returns a deep copy. The configuration is immutable and shared.
func (s *RemoteBucketState) Copy() *RemoteBucketState {
	if s == nil {
		return nil
	}
	return &RemoteBucketState{Configuration: s.Configuration, State: s.State.Copy()}
}

// AvailableTokens returns the tokens available without refilling.
func (s *RemoteBucketState) AvailableTokens() int64 {
	return s.State.AvailableTokens(s.Configuration)
}

// Refill advances the state to nowNanos in place.
func (s *RemoteBucketState) Refill(nowNanos int64) {
	s.State.Refill(s.Configuration, nowNanos)
}

// Equal reports whether both states hold the same configuration and counters.
func (s *RemoteBucketState) Equal(other *RemoteBucketState) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Configuration.Equal(other.Configuration) && s.State.Equal(other.State)
}

// CommandResult is the outcome of a command. When NotFound is set Data is
// nil and the caller applies its recovery strategy.
type CommandResult struct {
	Data     any
	NotFound bool
}

// Found wraps command output.
func Found(data any) CommandResult {
	return CommandResult{Data: data}
}

// NotFoundResult signals a missing bucket.
func NotFoundResult() CommandResult {
	return CommandResult{NotFound: true}
}

// MultiResult holds the results of the sub-commands of a Multi, in order.
type MultiResult []CommandResult

// VerboseResult is the data of a Verbose command.
type VerboseResult struct {
	OperationTimeNanos int64
	Value              any
	State              *RemoteBucketState
}

// Request wraps a command for transport.
type Request struct {
	Command Command

	// Version is the protocol version the client speaks.
	Version Version

	// ClientTimeNanos, when set, replaces the backend clock.
	ClientTimeNanos *int64
}

// NewRequest builds a request for cmd at the current protocol version.
func NewRequest(cmd Command) Request {
	return Request{Command: cmd, Version: CurrentVersion}
}

// WithClientTime returns a copy of r evaluated at nowNanos.
func (r Request) WithClientTime(nowNanos int64) Request {
	r.ClientTimeNanos = &nowNanos
	return r
}

// EffectiveTime returns the instant the request is evaluated at: the client
// time when present, backendNowNanos otherwise.
func (r Request) EffectiveTime(backendNowNanos int64) int64 {
	if r.ClientTimeNanos != nil {
		return *r.ClientTimeNanos
	}
	return backendNowNanos
}

// CommandExecutor runs commands against one bucket.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd Command) (CommandResult, error)
}

// AsyncCommandExecutor runs commands against one bucket asynchronously.
type AsyncCommandExecutor interface {
	ExecuteAsync(ctx context.Context, cmd Command) *async.Future[CommandResult]
}

// ExecutorFunc adapts a function to CommandExecutor.
type ExecutorFunc func(ctx context.Context, cmd Command) (CommandResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, cmd Command) (CommandResult, error) {
	return f(ctx, cmd)
}

// AsyncExecutorFunc adapts a function to AsyncCommandExecutor.
type AsyncExecutorFunc func(ctx context.Context, cmd Command) *async.Future[CommandResult]

// ExecuteAsync calls f.
func (f AsyncExecutorFunc) ExecuteAsync(ctx context.Context, cmd Command) *async.Future[CommandResult] {
	return f(ctx, cmd)
}
