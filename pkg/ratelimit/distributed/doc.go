// Package distributed provides token buckets shared by many application
// instances through a storage backend.
//
// The subpackages split the work:
//
//   - command: the closed set of bucket commands and their versioned codec
//   - proxy: managers driving backend transactions and the RemoteBucket handle
//   - optimization: batching, delayed and predictive synchronization
//   - inmemory: a process local backend for tests and single nodes
//   - mongostore: a lock-based MongoDB backend
//
// This package holds the Redis backend.
//
// # Quick Start
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//
//	config := distributed.DefaultConfig()
//	config.Redis = rdb
//
//	manager, err := distributed.NewRedisManager(config, proxy.DefaultClientSideConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	cfg := bucket.MustConfiguration(bucket.Simple(100, time.Minute))
//	limiter, err := manager.Builder().Build("api:tenant-7", proxy.StaticConfiguration(cfg))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if ok, _ := limiter.TryConsume(ctx, 1); ok {
//		// Process request
//	}
//
// # Storage
//
// Each bucket is one string key, KeyPrefix:key, holding the state encoded by
// package command. Writes are compare-and-swap: the first write uses SET NX
// and later writes run a Lua script comparing the stored bytes before
// replacing them. Concurrent writers retry until their swap lands.
//
// # Expiration
//
// Keys are written with PX when the client side configuration asks for
// expiration:
//
//	client := proxy.DefaultClientSideConfig()
//	client.Expiration = proxy.BasedOnTimeForRefillingBucketUpToMax(time.Minute)
//
// An expired bucket is rebuilt from its configuration supplier on next use.
//
// # Rolling Upgrades
//
// Set ClientSideConfig.BackwardCompatibilityVersion to the oldest protocol
// version still deployed; state is then written in a format every instance
// reads.
//
// # Error Handling
//
// Redis failures are returned as *RedisError, wrapped by the proxy in
// *errors.TransactionError or *errors.TimeoutError:
//
//	var redisErr *distributed.RedisError
//	if errors.As(err, &redisErr) {
//		log.Printf("redis %s failed: %v", redisErr.Operation, redisErr.Err)
//	}
package distributed
