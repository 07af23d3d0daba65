package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	bfctx "github.com/vnykmshr/bucketflow/pkg/common/context"
	bferrors "github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
)

// Transaction disciplines, also used as metric label values.
const (
	LockBased       = "lock_based"
	SelectForUpdate = "select_for_update"
	CompareAndSwap  = "compare_and_swap"
)

// attempt is the outcome of one select-for-update pass.
type attempt uint8

const (
	applied attempt = iota
	retry
)

// engine runs requests against transactions of one discipline.
type engine struct {
	cfg        ClientSideConfig
	discipline string
	// clock stands in for the backend clock of requests without client time.
	clock bucket.Clock
}

func call[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := bfctx.WithOptionalTimeout(ctx, timeout)
	defer cancel()
	v, err := fn(ctx)
	return v, bfctx.Classify(op, err)
}

func (e *engine) step(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := call(ctx, e.cfg.RequestTimeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// cleanup runs compensating steps even when ctx is already cancelled.
// Failures are logged: the error that triggered the cleanup wins.
func (e *engine) cleanup(ctx context.Context, steps ...namedStep) {
	ctx = context.WithoutCancel(ctx)
	for _, s := range steps {
		if err := e.step(ctx, s.op, s.fn); err != nil {
			e.cfg.Logger.Warn("transaction cleanup failed",
				"discipline", e.discipline, "op", s.op, "error", err)
		}
	}
}

type namedStep struct {
	op string
	fn func(context.Context) error
}

func (e *engine) backendNow() int64 {
	return e.clock.Now().UnixNano()
}

func (e *engine) encode(out command.Outcome, nowNanos int64) ([]byte, time.Duration, error) {
	data, err := command.MarshalState(out.State, e.cfg.BackwardCompatibilityVersion)
	if err != nil {
		return nil, 0, err
	}
	return data, e.cfg.Expiration.TTL(out.State, nowNanos), nil
}

func decode(data []byte) (*command.RemoteBucketState, error) {
	if data == nil {
		return nil, nil
	}
	return command.UnmarshalState(data)
}

func (e *engine) executeLockBased(ctx context.Context, tx LockBasedTransaction, req command.Request) (command.CommandResult, error) {
	defer e.cleanup(ctx, namedStep{"release", tx.Release})

	rollback := namedStep{"rollback", tx.Rollback}
	unlock := namedStep{"unlock", tx.Unlock}

	if err := e.step(ctx, "begin", tx.Begin); err != nil {
		return e.fail(err)
	}
	data, err := call(ctx, e.cfg.RequestTimeout, "lockAndGet", tx.LockAndGet)
	if err != nil {
		e.cleanup(ctx, rollback)
		return e.fail(err)
	}
	state, err := decode(data)
	if err != nil {
		e.cleanup(ctx, unlock, rollback)
		return e.fail(err)
	}

	now := req.EffectiveTime(e.backendNow())
	out := command.Execute(req.Command, state, now)
	if out.Result.NotFound {
		e.cleanup(ctx, unlock, rollback)
		return out.Result, nil
	}
	if out.Modified {
		payload, ttl, err := e.encode(out, now)
		if err == nil {
			if state == nil {
				err = e.step(ctx, "create", func(ctx context.Context) error {
					return tx.Create(ctx, payload, out.State, ttl)
				})
			} else {
				err = e.step(ctx, "update", func(ctx context.Context) error {
					return tx.Update(ctx, payload, out.State, ttl)
				})
			}
		}
		if err != nil {
			e.cleanup(ctx, unlock, rollback)
			return e.fail(err)
		}
	}
	if err := e.step(ctx, "unlock", tx.Unlock); err != nil {
		e.cleanup(ctx, rollback)
		return e.fail(err)
	}
	if err := e.step(ctx, "commit", tx.Commit); err != nil {
		e.cleanup(ctx, rollback)
		return e.fail(err)
	}
	return out.Result, nil
}

// executeSelectForUpdate runs every attempt in a transaction of its own,
// allocated by allocate and released when the attempt ends.
func (e *engine) executeSelectForUpdate(ctx context.Context, allocate func() SelectForUpdateTransaction, req command.Request) (command.CommandResult, error) {
	for i := 0; i < e.cfg.MaxRetries; i++ {
		res, next, err := e.trySelectForUpdate(ctx, allocate(), req)
		if err != nil {
			return e.fail(err)
		}
		if next == applied {
			return res, nil
		}
		e.retried(i + 1)
		if err := ctx.Err(); err != nil {
			return e.fail(bfctx.Classify("selectForUpdate", err))
		}
	}
	e.recordFailure("retries_exhausted")
	return command.CommandResult{}, &bferrors.TransactionError{
		Op:  "selectForUpdate",
		Err: fmt.Errorf("no result after %d attempts", e.cfg.MaxRetries),
	}
}

func (e *engine) trySelectForUpdate(ctx context.Context, tx SelectForUpdateTransaction, req command.Request) (command.CommandResult, attempt, error) {
	defer e.cleanup(ctx, namedStep{"release", tx.Release})
	rollback := namedStep{"rollback", tx.Rollback}

	if err := e.step(ctx, "begin", tx.Begin); err != nil {
		return command.CommandResult{}, applied, err
	}
	lock, err := call(ctx, e.cfg.RequestTimeout, "tryLockAndGet", tx.TryLockAndGet)
	if err != nil {
		e.cleanup(ctx, rollback)
		return command.CommandResult{}, applied, err
	}

	if !lock.Locked {
		if !req.Command.IsInitialization() {
			e.cleanup(ctx, rollback)
			return command.NotFoundResult(), applied, nil
		}
		inserted, err := call(ctx, e.cfg.RequestTimeout, "tryInsertEmptyData", tx.TryInsertEmptyData)
		if err != nil {
			e.cleanup(ctx, rollback)
			return command.CommandResult{}, applied, err
		}
		if !inserted {
			e.cleanup(ctx, rollback)
			return command.CommandResult{}, retry, nil
		}
		if err := e.step(ctx, "commit", tx.Commit); err != nil {
			e.cleanup(ctx, rollback)
			return command.CommandResult{}, applied, err
		}
		return command.CommandResult{}, retry, nil
	}

	state, err := decode(lock.Data)
	if err != nil {
		e.cleanup(ctx, rollback)
		return command.CommandResult{}, applied, err
	}
	now := req.EffectiveTime(e.backendNow())
	out := command.Execute(req.Command, state, now)
	if out.Result.NotFound {
		e.cleanup(ctx, rollback)
		return out.Result, applied, nil
	}
	if out.Modified {
		payload, ttl, err := e.encode(out, now)
		if err == nil {
			err = e.step(ctx, "update", func(ctx context.Context) error {
				return tx.Update(ctx, payload, out.State, ttl)
			})
		}
		if err != nil {
			e.cleanup(ctx, rollback)
			return command.CommandResult{}, applied, err
		}
	}
	if err := e.step(ctx, "commit", tx.Commit); err != nil {
		e.cleanup(ctx, rollback)
		return command.CommandResult{}, applied, err
	}
	return out.Result, applied, nil
}

func (e *engine) executeCompareAndSwap(ctx context.Context, op CompareAndSwapOperation, req command.Request) (command.CommandResult, error) {
	for i := 1; ; i++ {
		data, err := call(ctx, e.cfg.RequestTimeout, "getStateData", op.GetStateData)
		if err != nil {
			return e.fail(err)
		}
		state, err := decode(data)
		if err != nil {
			return e.fail(err)
		}

		now := req.EffectiveTime(e.backendNow())
		out := command.Execute(req.Command, state, now)
		if out.Result.NotFound || !out.Modified {
			return out.Result, nil
		}
		payload, ttl, err := e.encode(out, now)
		if err != nil {
			return e.fail(err)
		}
		swapped, err := call(ctx, e.cfg.RequestTimeout, "compareAndSwap", func(ctx context.Context) (bool, error) {
			return op.CompareAndSwap(ctx, data, payload, out.State, ttl)
		})
		if err != nil {
			return e.fail(err)
		}
		if swapped {
			return out.Result, nil
		}

		e.retried(i)
		if err := ctx.Err(); err != nil {
			return e.fail(bfctx.Classify("compareAndSwap", err))
		}
	}
}

func (e *engine) retried(attempts int) {
	e.cfg.Logger.Debug("transaction conflict, retrying", "discipline", e.discipline, "attempts", attempts)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.TransactionRetries.WithLabelValues(e.discipline).Inc()
	}
}

func (e *engine) fail(err error) (command.CommandResult, error) {
	reason := "backend"
	switch {
	case bferrors.IsTimeout(err):
		reason = "timeout"
	case errors.Is(err, bferrors.ErrUnsupportedVersion):
		reason = "version"
	case errors.Is(err, command.ErrMalformed):
		reason = "malformed"
	}
	e.recordFailure(reason)
	return command.CommandResult{}, err
}

func (e *engine) recordFailure(reason string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.TransactionFailures.WithLabelValues(e.discipline, reason).Inc()
	}
}
