/*
Package ratelimit groups the token bucket rate limiting packages.

  - bucket: bandwidths, refill math, configurations and the local bucket
  - distributed/command: replayable commands and their binary codec
  - distributed/proxy: transactions, proxy managers and remote buckets
  - distributed/optimization: batching, delay, predictive and skip-on-zero
  - distributed, distributed/inmemory, distributed/mongostore: Redis, in-process
    and MongoDB storage adapters

Local and remote buckets expose the same operations. A local bucket keeps its
state in memory behind a mutex:

	cfg := bucket.MustConfiguration(bucket.Simple(100, time.Minute))
	local, _ := bucket.New(cfg)
	local.TryConsume(1)

A remote bucket executes every operation as a command against state stored in
a shared backend, inside a lock-based, select-for-update or compare-and-swap
transaction:

	manager, _ := proxy.NewCompareAndSwapManager[string](backend, proxy.DefaultClientSideConfig())
	remote, _ := manager.Builder().Build("user:42", proxy.StaticConfiguration(cfg))
	remote.TryConsume(ctx, 1)

All buckets are safe for concurrent use.
*/
package ratelimit
