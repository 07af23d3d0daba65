package optimization

import (
	"context"
	"fmt"
	"sync"

	"github.com/vnykmshr/bucketflow/pkg/async"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
)

type skipSyncOnZero struct {
	opts options
}

// SkipSyncOnZero remembers buckets found empty. Until the next token is due,
// consumption commands against them are rejected locally instead of asking
// the backend.
func SkipSyncOnZero(opts ...Option) Optimization {
	return skipSyncOnZero{opts: newOptions(opts)}
}

func (o skipSyncOnZero) Apply(e command.CommandExecutor) command.CommandExecutor {
	return &syncSkipper{skipper: &skipper{opts: o.opts}, remote: e}
}

func (o skipSyncOnZero) ApplyAsync(e command.AsyncCommandExecutor) command.AsyncCommandExecutor {
	return &asyncSkipper{skipper: &skipper{opts: o.opts}, remote: e}
}

type skipper struct {
	opts options

	mu       sync.Mutex
	snapshot *command.RemoteBucketState

	// until is the instant the next token becomes available.
	until int64
}

func (s *skipper) tryLocal(cmd command.Command) (command.CommandResult, bool) {
	if cmd.IsImmediateSyncRequired(0, 0) || cmd.EstimateTokensToConsume() <= 0 {
		return command.CommandResult{}, false
	}
	now := s.opts.clock.Now().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil || now >= s.until {
		return command.CommandResult{}, false
	}
	out := command.Execute(cmd, s.snapshot, now)
	if cmd.ConsumedTokens(out.Result.Data) > 0 {
		return command.CommandResult{}, false
	}
	s.opts.listener.IncrementSkipCount(1)
	return out.Result, true
}

// complete unwraps the verbose result and remembers an empty bucket.
func (s *skipper) complete(res command.CommandResult, err error) (command.CommandResult, error) {
	if err != nil || res.NotFound {
		s.forget()
		return res, err
	}
	vr, ok := res.Data.(command.VerboseResult)
	if !ok {
		s.forget()
		return command.CommandResult{}, fmt.Errorf("%w: verbose command returned %T", command.ErrMalformed, res.Data)
	}

	s.mu.Lock()
	s.snapshot = nil
	if st := vr.State; st != nil && st.AvailableTokens() <= 0 {
		s.snapshot = st
		s.until = vr.OperationTimeNanos + st.State.DelayNanosUntilAvailable(st.Configuration, vr.OperationTimeNanos, 1)
		if s.until < vr.OperationTimeNanos {
			s.until = vr.OperationTimeNanos
		}
	}
	s.mu.Unlock()
	return command.Found(vr.Value), nil
}

func (s *skipper) forget() {
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
}

type syncSkipper struct {
	*skipper
	remote command.CommandExecutor
}

func (s *syncSkipper) Execute(ctx context.Context, cmd command.Command) (command.CommandResult, error) {
	if res, ok := s.tryLocal(cmd); ok {
		return res, nil
	}
	return s.complete(s.remote.Execute(ctx, command.Verbose{Command: cmd}))
}

type asyncSkipper struct {
	*skipper
	remote command.AsyncCommandExecutor
}

func (s *asyncSkipper) ExecuteAsync(ctx context.Context, cmd command.Command) *async.Future[command.CommandResult] {
	if res, ok := s.tryLocal(cmd); ok {
		return async.Completed(res)
	}
	p := async.NewPromise[command.CommandResult]()
	s.remote.ExecuteAsync(ctx, command.Verbose{Command: cmd}).OnComplete(func(res command.CommandResult, err error) {
		p.Complete(s.complete(res, err))
	})
	return p.Future()
}
