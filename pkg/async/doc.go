/*
Package async provides futures and a worker pool for the asynchronous forms of
bucket operations.

A Future completes exactly once. Waiters block in Get, select on Done, or
register callbacks with OnComplete; callbacks run on the goroutine that
completes the future, so they must not block.

	f := async.Go(ctx, pool, func(ctx context.Context) (bool, error) {
		return bucket.TryConsume(ctx, 1)
	})
	ok, err := f.Get(ctx)

Pool is a fixed size worker pool implementing Executor:

	pool := async.New(4, 100) // 4 workers, queue size 100
	defer pool.Shutdown()

Queued tasks still run after Shutdown; new submissions fail with
errors.ErrClosed. Panics inside tasks are recovered and reported to
Config.PanicHandler when one is set.
*/
package async
