package proxy

import (
	"context"
	"time"

	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
)

// LockBasedTransaction is a pessimistic transaction over one key. The
// executor drives it as Begin, LockAndGet, Create or Update, Unlock, Commit
// and finally Release. On failure after LockAndGet it calls Unlock and then
// Rollback.
type LockBasedTransaction interface {
	Begin(ctx context.Context) error
	Rollback(ctx context.Context) error
	Commit(ctx context.Context) error

	// LockAndGet locks the key and returns its data, or nil when the key
	// holds no state.
	LockAndGet(ctx context.Context) ([]byte, error)
	Unlock(ctx context.Context) error

	// Create stores data for a key that held no state. A positive ttl asks
	// the store to expire the key.
	Create(ctx context.Context, data []byte, state *command.RemoteBucketState, ttl time.Duration) error

	// Update overwrites the data of a locked key.
	Update(ctx context.Context, data []byte, state *command.RemoteBucketState, ttl time.Duration) error

	// Release frees resources held by the transaction. It is always called.
	Release(ctx context.Context) error
}

// LockResult is the outcome of SelectForUpdateTransaction.TryLockAndGet.
type LockResult struct {
	// Locked is false when no row exists for the key.
	Locked bool

	// Data is nil when the row exists but holds no state yet.
	Data []byte
}

// SelectForUpdateTransaction locks an existing row. Missing rows are first
// inserted empty in a transaction of their own, then the command is retried.
type SelectForUpdateTransaction interface {
	Begin(ctx context.Context) error
	Rollback(ctx context.Context) error
	Commit(ctx context.Context) error

	TryLockAndGet(ctx context.Context) (LockResult, error)

	// TryInsertEmptyData inserts an empty row. It returns false when a
	// concurrent transaction inserted it first.
	TryInsertEmptyData(ctx context.Context) (bool, error)

	Update(ctx context.Context, data []byte, state *command.RemoteBucketState, ttl time.Duration) error
	Release(ctx context.Context) error
}

// CompareAndSwapOperation is an optimistic read-modify-write over one key.
type CompareAndSwapOperation interface {
	// GetStateData returns the current data, or nil when the key holds no state.
	GetStateData(ctx context.Context) ([]byte, error)

	// CompareAndSwap stores updated when the key still holds original. A nil
	// original expects the key to be absent. It returns false when another
	// writer got there first.
	CompareAndSwap(ctx context.Context, original, updated []byte, state *command.RemoteBucketState, ttl time.Duration) (bool, error)
}

// LockBasedBackend allocates lock-based transactions.
type LockBasedBackend[K comparable] interface {
	AllocateLockBasedTransaction(key K) LockBasedTransaction
	RemoveProxy(ctx context.Context, key K) error
}

// SelectForUpdateBackend allocates select-for-update transactions.
type SelectForUpdateBackend[K comparable] interface {
	AllocateSelectForUpdateTransaction(key K) SelectForUpdateTransaction
	RemoveProxy(ctx context.Context, key K) error
}

// CompareAndSwapBackend allocates compare-and-swap operations.
type CompareAndSwapBackend[K comparable] interface {
	AllocateCompareAndSwapOperation(key K) CompareAndSwapOperation
	RemoveProxy(ctx context.Context, key K) error
}

// ExpirationSupporter is implemented by backends able to expire keys.
type ExpirationSupporter interface {
	SupportsExpireAfterWrite() bool
}
