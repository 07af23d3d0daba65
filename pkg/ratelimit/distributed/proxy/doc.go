/*
Package proxy runs bucket commands against shared storage.

A Manager owns the transaction discipline used to read, evaluate and write
one bucket per command:

  - NewLockBasedManager locks the key, evaluates, writes, unlocks and commits.
    Suited to stores with explicit locks.
  - NewSelectForUpdateManager locks an existing row inside a transaction and
    inserts missing rows in a transaction of their own first. Suited to SQL.
  - NewCompareAndSwapManager reads, evaluates and swaps, retrying on conflict.
    Suited to stores with atomic conditional writes.

Backends implement only the storage primitives; command evaluation, retries,
rollback and timeouts live here. Every backend step is bounded by
ClientSideConfig.RequestTimeout and failures surface as
*errors.TransactionError or *errors.TimeoutError.

RemoteBucket is the client handle applications use:

	manager, _ := proxy.NewCompareAndSwapManager[string](backend, proxy.DefaultClientSideConfig())
	limiter, _ := manager.Builder().Build("api:tenant-7", proxy.StaticConfiguration(cfg))

	ok, err := limiter.TryConsume(ctx, 1)

When the bucket is missing, because it was never created or because its key
expired, the Reconstruct recovery strategy creates it from the configuration
supplier within the same transaction as the command. ThrowNotFound returns
*errors.BucketNotFoundError instead.

Builder.WithOptimization routes commands through an optimization from
package optimization, trading request volume for bounded inaccuracy.
*/
package proxy
