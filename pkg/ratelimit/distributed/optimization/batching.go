package optimization

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vnykmshr/bucketflow/pkg/async"
	bfctx "github.com/vnykmshr/bucketflow/pkg/common/context"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
)

type batching struct {
	opts options
}

// Batching sends at most one request per bucket at a time. Commands arriving
// while a request is in flight queue up and leave together as one merged
// command once it completes: a run of TryConsume(1) becomes a single
// ConsumeAsMuchAsPossible, anything else a Multi. Results are handed back in
// arrival order.
func Batching(opts ...Option) Optimization {
	return batching{opts: newOptions(opts)}
}

func (b batching) Apply(e command.CommandExecutor) command.CommandExecutor {
	return &batcher{exec: e, listener: b.opts.listener}
}

func (b batching) ApplyAsync(e command.AsyncCommandExecutor) command.AsyncCommandExecutor {
	return &asyncBatcher{exec: e, listener: b.opts.listener}
}

type waiter struct {
	ctx  context.Context
	cmd  command.Command
	res  command.CommandResult
	err  error
	done chan struct{}

	// lead receives the batch this waiter must send.
	lead chan []*waiter
}

func newWaiter(ctx context.Context, cmd command.Command) *waiter {
	return &waiter{ctx: ctx, cmd: cmd, done: make(chan struct{}), lead: make(chan []*waiter, 1)}
}

func (w *waiter) complete(res command.CommandResult, err error) {
	w.res, w.err = res, err
	close(w.done)
}

// merge combines the commands of batch into one.
func merge(batch []*waiter) command.Command {
	if len(batch) == 1 {
		return batch[0].cmd
	}
	if allSingleTryConsume(batch) {
		return command.ConsumeAsMuchAsPossible{Limit: int64(len(batch))}
	}
	cmds := make([]command.Command, len(batch))
	for i, w := range batch {
		cmds[i] = w.cmd
	}
	return command.Multi{Commands: cmds}
}

func allSingleTryConsume(batch []*waiter) bool {
	for _, w := range batch {
		if c, ok := w.cmd.(command.TryConsume); !ok || c.Tokens != 1 {
			return false
		}
	}
	return true
}

// distribute hands the result of a merged command back to every waiter.
func distribute(batch []*waiter, res command.CommandResult, err error) {
	if len(batch) == 1 || err != nil || res.NotFound {
		for _, w := range batch {
			w.complete(res, err)
		}
		return
	}
	if allSingleTryConsume(batch) {
		consumed, _ := res.Data.(int64)
		for i, w := range batch {
			w.complete(command.Found(int64(i) < consumed), nil)
		}
		return
	}
	results, ok := res.Data.(command.MultiResult)
	if !ok || len(results) != len(batch) {
		err := fmt.Errorf("%w: merged command returned %T", command.ErrMalformed, res.Data)
		for _, w := range batch {
			w.complete(command.CommandResult{}, err)
		}
		return
	}
	for i, w := range batch {
		w.complete(results[i], nil)
	}
}

// batcher serializes the requests of one bucket.
type batcher struct {
	exec     command.CommandExecutor
	listener Listener

	mu    sync.Mutex
	busy  bool
	queue []*waiter
}

func (b *batcher) Execute(ctx context.Context, cmd command.Command) (command.CommandResult, error) {
	w := newWaiter(ctx, cmd)

	b.mu.Lock()
	if !b.busy {
		b.busy = true
		b.mu.Unlock()
		b.send(ctx, []*waiter{w})
		return w.res, w.err
	}
	b.queue = append(b.queue, w)
	b.mu.Unlock()

	select {
	case <-w.done:
		return w.res, w.err
	case batch := <-w.lead:
		b.send(ctx, batch)
		return w.res, w.err
	case <-ctx.Done():
	}

	b.mu.Lock()
	if i := slices.Index(b.queue, w); i >= 0 {
		b.queue = slices.Delete(b.queue, i, i+1)
		b.mu.Unlock()
		return command.CommandResult{}, ctx.Err()
	}
	b.mu.Unlock()

	// Already part of a batch: the others depend on it being sent.
	select {
	case <-w.done:
	case batch := <-w.lead:
		b.send(context.WithoutCancel(ctx), batch)
	}
	return w.res, w.err
}

// send executes batch, then passes the slot to the oldest queued waiter. A
// merged request outlives the context of the waiter sending it.
func (b *batcher) send(ctx context.Context, batch []*waiter) {
	if n := len(batch); n > 1 {
		b.listener.IncrementMergeCount(int64(n - 1))
		ctx = context.WithoutCancel(ctx)
	}
	res, err := b.exec.Execute(ctx, merge(batch))
	distribute(batch, res, err)

	b.mu.Lock()
	next := b.queue
	b.queue = nil
	if len(next) == 0 {
		b.busy = false
	}
	b.mu.Unlock()
	if len(next) > 0 {
		next[0].lead <- next
	}
}

// asyncBatcher is the asynchronous form of batcher.
type asyncBatcher struct {
	exec     command.AsyncCommandExecutor
	listener Listener

	mu    sync.Mutex
	busy  bool
	queue []*asyncWaiter
}

type asyncWaiter struct {
	*waiter
	promise *async.Promise[command.CommandResult]
}

func (b *asyncBatcher) ExecuteAsync(ctx context.Context, cmd command.Command) *async.Future[command.CommandResult] {
	w := &asyncWaiter{waiter: newWaiter(ctx, cmd), promise: async.NewPromise[command.CommandResult]()}

	b.mu.Lock()
	if b.busy {
		b.queue = append(b.queue, w)
		b.mu.Unlock()
		return w.promise.Future()
	}
	b.busy = true
	b.mu.Unlock()

	b.send([]*asyncWaiter{w})
	return w.promise.Future()
}

func (b *asyncBatcher) send(batch []*asyncWaiter) {
	// Waiters whose context ended while queued leave without a request.
	live := batch[:0]
	for _, w := range batch {
		if bfctx.IsCanceled(w.ctx) {
			w.promise.Reject(w.ctx.Err())
			continue
		}
		live = append(live, w)
	}
	if len(live) == 0 {
		b.next()
		return
	}

	waiters := make([]*waiter, len(live))
	for i, w := range live {
		waiters[i] = w.waiter
	}
	ctx := live[0].ctx
	if n := len(live); n > 1 {
		b.listener.IncrementMergeCount(int64(n - 1))
		ctx = context.WithoutCancel(ctx)
	}
	b.exec.ExecuteAsync(ctx, merge(waiters)).OnComplete(func(res command.CommandResult, err error) {
		distribute(waiters, res, err)
		for _, w := range live {
			w.promise.Complete(w.res, w.err)
		}
		b.next()
	})
}

func (b *asyncBatcher) next() {
	b.mu.Lock()
	next := b.queue
	b.queue = nil
	if len(next) == 0 {
		b.busy = false
	}
	b.mu.Unlock()
	if len(next) > 0 {
		b.send(next)
	}
}
