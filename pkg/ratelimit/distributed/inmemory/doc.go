// Package inmemory is a process local backend for remote buckets.
//
// A Store implements the lock-based, select-for-update and compare-and-swap
// backends of package proxy at once, so any manager can run against it:
//
//	store := inmemory.New[string](inmemory.DefaultConfig())
//	manager, err := proxy.NewCompareAndSwapManager[string](store, proxy.DefaultClientSideConfig())
//
// Keys written with a time to live disappear once it elapses. Reads ignore
// expired keys right away; a Janitor started with StartJanitor reclaims
// their memory periodically.
package inmemory
