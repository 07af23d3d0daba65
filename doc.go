/*
Package bucketflow provides token-bucket rate limiting for a single process or for
state shared by many processes through an external store.

Local buckets (pkg/ratelimit/bucket):
  - Bandwidth: capacity plus greedy or interval refill
  - Configuration: ordered, validated set of bandwidths
  - Bucket: in-process, mutex guarded, blocking and non-blocking consumption

Distributed buckets (pkg/ratelimit/distributed):
  - command: replayable commands and their versioned binary codec
  - proxy: lock-based, select-for-update and compare-and-swap transactions,
    the proxy manager and the RemoteBucket handle with recovery strategies
  - optimization: batching, delay, predictive and skip-on-zero decorators
  - distributed (Redis), inmemory, mongostore: storage adapters

Supporting packages:
  - async: futures and the worker pool used by asynchronous operations
  - metrics: Prometheus collectors

Example usage:

	import (
		"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
		"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/inmemory"
		"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/proxy"
	)

	cfg := bucket.MustConfiguration(bucket.Simple(10, time.Second))

	store := inmemory.New[string](inmemory.DefaultConfig())
	manager, _ := proxy.NewCompareAndSwapManager[string](store, proxy.DefaultClientSideConfig())
	b, _ := manager.Builder().Build("user:42", proxy.StaticConfiguration(cfg))

	if ok, _ := b.TryConsume(ctx, 1); ok {
		handle(request)
	}
*/
package bucketflow
