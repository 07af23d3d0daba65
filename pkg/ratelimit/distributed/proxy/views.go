package proxy

import (
	"context"
	"fmt"

	"github.com/vnykmshr/bucketflow/pkg/async"
	bferrors "github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
)

// VerboseValue is an operation result together with the bucket state the
// operation observed.
type VerboseValue[T any] struct {
	Value              T
	OperationTimeNanos int64
	State              *command.RemoteBucketState
}

// AvailableTokens returns the tokens available in the reported state.
func (v VerboseValue[T]) AvailableTokens() int64 {
	if v.State == nil {
		return 0
	}
	return v.State.AvailableTokens()
}

// VerboseBucket runs bucket operations wrapped in a Verbose command.
type VerboseBucket[K comparable] struct {
	rb *RemoteBucket[K]
}

func verbose[T any, K comparable](ctx context.Context, rb *RemoteBucket[K], cmd command.Command) (VerboseValue[T], error) {
	data, err := rb.execute(ctx, command.Verbose{Command: cmd})
	if err != nil {
		return VerboseValue[T]{}, err
	}
	vr, ok := data.(command.VerboseResult)
	if !ok {
		return VerboseValue[T]{}, fmt.Errorf("%w: verbose command returned %T", command.ErrMalformed, data)
	}
	value, _ := vr.Value.(T)
	return VerboseValue[T]{Value: value, OperationTimeNanos: vr.OperationTimeNanos, State: vr.State}, nil
}

// TryConsume consumes n tokens if they are available.
func (v *VerboseBucket[K]) TryConsume(ctx context.Context, n int64) (VerboseValue[bool], error) {
	if err := positive("tokens", n); err != nil {
		return VerboseValue[bool]{}, err
	}
	return verbose[bool](ctx, v.rb, command.TryConsume{Tokens: n})
}

// TryConsumeAndReturnRemaining is TryConsume with diagnostics.
func (v *VerboseBucket[K]) TryConsumeAndReturnRemaining(ctx context.Context, n int64) (VerboseValue[bucket.ConsumptionProbe], error) {
	if err := positive("tokens", n); err != nil {
		return VerboseValue[bucket.ConsumptionProbe]{}, err
	}
	return verbose[bucket.ConsumptionProbe](ctx, v.rb, command.TryConsumeAndReturnRemaining{Tokens: n})
}

// EstimateAbilityToConsume reports whether n tokens could be consumed now.
func (v *VerboseBucket[K]) EstimateAbilityToConsume(ctx context.Context, n int64) (VerboseValue[bucket.EstimationProbe], error) {
	if err := positive("tokens", n); err != nil {
		return VerboseValue[bucket.EstimationProbe]{}, err
	}
	return verbose[bucket.EstimationProbe](ctx, v.rb, command.EstimateAbilityToConsume{Tokens: n})
}

// ConsumeAsMuchAsPossible consumes up to limit available tokens.
func (v *VerboseBucket[K]) ConsumeAsMuchAsPossible(ctx context.Context, limit int64) (VerboseValue[int64], error) {
	if err := positive("limit", limit); err != nil {
		return VerboseValue[int64]{}, err
	}
	return verbose[int64](ctx, v.rb, command.ConsumeAsMuchAsPossible{Limit: limit})
}

// AvailableTokens returns the tokens that can be consumed now.
func (v *VerboseBucket[K]) AvailableTokens(ctx context.Context) (VerboseValue[int64], error) {
	return verbose[int64](ctx, v.rb, command.GetAvailableTokens{})
}

// GetConfiguration returns the stored configuration.
func (v *VerboseBucket[K]) GetConfiguration(ctx context.Context) (VerboseValue[*bucket.Configuration], error) {
	return verbose[*bucket.Configuration](ctx, v.rb, command.GetConfiguration{})
}

// AsyncBucket runs bucket operations on the manager's executor. Callbacks
// registered on the returned futures run on the goroutine completing them.
type AsyncBucket[K comparable] struct {
	rb *RemoteBucket[K]
}

// execute is the asynchronous form of RemoteBucket.execute.
func (a *AsyncBucket[K]) execute(ctx context.Context, cmd command.Command) *async.Future[any] {
	rb := a.rb
	if rb.asyncExec == nil {
		return async.Failed[any](bferrors.ErrAsyncNotSupported)
	}

	p := async.NewPromise[any]()
	rb.asyncExec.ExecuteAsync(ctx, cmd).OnComplete(func(res command.CommandResult, err error) {
		if err != nil || !res.NotFound {
			p.Complete(res.Data, err)
			return
		}
		recovery, err := rb.recover(ctx, cmd)
		if err != nil {
			p.Reject(err)
			return
		}
		rb.asyncExec.ExecuteAsync(ctx, recovery).OnComplete(func(res command.CommandResult, err error) {
			if err == nil && res.NotFound {
				err = &bferrors.BucketNotFoundError{Key: rb.key}
			}
			p.Complete(res.Data, err)
		})
	})
	return p.Future()
}

func as[T any](f *async.Future[any]) *async.Future[T] {
	return async.Then(f, func(data any) (T, error) {
		v, _ := data.(T)
		return v, nil
	})
}

func rejected[T any](err error) *async.Future[T] {
	return async.Failed[T](err)
}

// TryConsume consumes n tokens if they are available.
func (a *AsyncBucket[K]) TryConsume(ctx context.Context, n int64) *async.Future[bool] {
	if err := positive("tokens", n); err != nil {
		return rejected[bool](err)
	}
	return as[bool](a.execute(ctx, command.TryConsume{Tokens: n}))
}

// TryConsumeAndReturnRemaining is TryConsume with diagnostics.
func (a *AsyncBucket[K]) TryConsumeAndReturnRemaining(ctx context.Context, n int64) *async.Future[bucket.ConsumptionProbe] {
	if err := positive("tokens", n); err != nil {
		return rejected[bucket.ConsumptionProbe](err)
	}
	return as[bucket.ConsumptionProbe](a.execute(ctx, command.TryConsumeAndReturnRemaining{Tokens: n}))
}

// EstimateAbilityToConsume reports whether n tokens could be consumed now.
func (a *AsyncBucket[K]) EstimateAbilityToConsume(ctx context.Context, n int64) *async.Future[bucket.EstimationProbe] {
	if err := positive("tokens", n); err != nil {
		return rejected[bucket.EstimationProbe](err)
	}
	return as[bucket.EstimationProbe](a.execute(ctx, command.EstimateAbilityToConsume{Tokens: n}))
}

// ConsumeAsMuchAsPossible consumes up to limit available tokens.
func (a *AsyncBucket[K]) ConsumeAsMuchAsPossible(ctx context.Context, limit int64) *async.Future[int64] {
	if err := positive("limit", limit); err != nil {
		return rejected[int64](err)
	}
	return as[int64](a.execute(ctx, command.ConsumeAsMuchAsPossible{Limit: limit}))
}

// AvailableTokens returns the tokens that can be consumed now.
func (a *AsyncBucket[K]) AvailableTokens(ctx context.Context) *async.Future[int64] {
	return as[int64](a.execute(ctx, command.GetAvailableTokens{}))
}

// AddTokens adds n tokens without exceeding capacity.
func (a *AsyncBucket[K]) AddTokens(ctx context.Context, n int64) *async.Future[struct{}] {
	if err := positive("tokens", n); err != nil {
		return rejected[struct{}](err)
	}
	return as[struct{}](a.execute(ctx, command.AddTokens{Tokens: n}))
}

// ReplaceConfiguration swaps the stored configuration. An incompatible
// replacement fails with *bucket.IncompatibleConfigurationError.
func (a *AsyncBucket[K]) ReplaceConfiguration(ctx context.Context, cfg *bucket.Configuration, strategy bucket.TokensInheritanceStrategy) *async.Future[struct{}] {
	if cfg == nil {
		return rejected[struct{}](bferrors.NewValidationError("proxy", "configuration", nil, "cannot be nil"))
	}
	f := a.execute(ctx, command.ReplaceConfigurationOrReturnPrevious{Configuration: cfg, Strategy: strategy})
	return async.Then(f, func(data any) (struct{}, error) {
		if prev, ok := data.(*bucket.Configuration); ok && prev != nil {
			return struct{}{}, &bucket.IncompatibleConfigurationError{Previous: prev, Requested: cfg}
		}
		return struct{}{}, nil
	})
}

// GetConfiguration returns the stored configuration.
func (a *AsyncBucket[K]) GetConfiguration(ctx context.Context) *async.Future[*bucket.Configuration] {
	return as[*bucket.Configuration](a.execute(ctx, command.GetConfiguration{}))
}
