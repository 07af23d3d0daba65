package proxy

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
)

// fakeStore is an in-process backend recording every transaction step.
type fakeStore struct {
	mu      sync.Mutex
	rows    map[string][]byte
	present map[string]bool
	ttls    map[string]time.Duration
	steps   []string

	// lock serializes lock-based and select-for-update transactions.
	lock sync.Mutex

	// fail makes the named step return its error.
	fail map[string]error
	// block makes the named step wait for its context.
	block map[string]bool
	// lostInserts makes TryInsertEmptyData report a lost race this many times.
	lostInserts int
	// conflicts makes CompareAndSwap report interference this many times.
	conflicts int

	expiration bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:    make(map[string][]byte),
		present: make(map[string]bool),
		ttls:    make(map[string]time.Duration),
		fail:    make(map[string]error),
		block:   make(map[string]bool),
	}
}

func (s *fakeStore) record(ctx context.Context, step string) error {
	s.mu.Lock()
	s.steps = append(s.steps, step)
	err := s.fail[step]
	block := s.block[step]
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *fakeStore) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steps...)
}

func (s *fakeStore) reset() {
	s.mu.Lock()
	s.steps = nil
	s.mu.Unlock()
}

func (s *fakeStore) row(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[key], s.present[key]
}

func (s *fakeStore) put(key string, data []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key], s.present[key], s.ttls[key] = data, true, ttl
}

func (s *fakeStore) ttl(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[key]
}

func (s *fakeStore) SupportsExpireAfterWrite() bool { return s.expiration }

func (s *fakeStore) RemoveProxy(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key)
	delete(s.present, key)
	return nil
}

func (s *fakeStore) AllocateLockBasedTransaction(key string) LockBasedTransaction {
	return &fakeLockTx{store: s, key: key}
}

func (s *fakeStore) AllocateSelectForUpdateTransaction(key string) SelectForUpdateTransaction {
	return &fakeSelectTx{store: s, key: key}
}

func (s *fakeStore) AllocateCompareAndSwapOperation(key string) CompareAndSwapOperation {
	return &fakeCAS{store: s, key: key}
}

// fakeLockTx stages writes until Commit.
type fakeLockTx struct {
	store  *fakeStore
	key    string
	locked bool
	staged []byte
	ttl    time.Duration
}

func (tx *fakeLockTx) Begin(ctx context.Context) error { return tx.store.record(ctx, "begin") }

func (tx *fakeLockTx) LockAndGet(ctx context.Context) ([]byte, error) {
	if err := tx.store.record(ctx, "lockAndGet"); err != nil {
		return nil, err
	}
	tx.store.lock.Lock()
	tx.locked = true
	data, _ := tx.store.row(tx.key)
	return data, nil
}

func (tx *fakeLockTx) Create(ctx context.Context, data []byte, _ *command.RemoteBucketState, ttl time.Duration) error {
	if err := tx.store.record(ctx, "create"); err != nil {
		return err
	}
	tx.staged, tx.ttl = data, ttl
	return nil
}

func (tx *fakeLockTx) Update(ctx context.Context, data []byte, _ *command.RemoteBucketState, ttl time.Duration) error {
	if err := tx.store.record(ctx, "update"); err != nil {
		return err
	}
	tx.staged, tx.ttl = data, ttl
	return nil
}

func (tx *fakeLockTx) Unlock(ctx context.Context) error {
	err := tx.store.record(ctx, "unlock")
	if tx.locked {
		tx.locked = false
		tx.store.lock.Unlock()
	}
	return err
}

func (tx *fakeLockTx) Commit(ctx context.Context) error {
	if err := tx.store.record(ctx, "commit"); err != nil {
		return err
	}
	if tx.staged != nil {
		tx.store.put(tx.key, tx.staged, tx.ttl)
	}
	return nil
}

func (tx *fakeLockTx) Rollback(ctx context.Context) error {
	tx.staged = nil
	return tx.store.record(ctx, "rollback")
}

func (tx *fakeLockTx) Release(ctx context.Context) error {
	if tx.locked {
		tx.locked = false
		tx.store.lock.Unlock()
	}
	return tx.store.record(ctx, "release")
}

// fakeSelectTx holds the row lock from TryLockAndGet to Commit or Rollback.
type fakeSelectTx struct {
	store    *fakeStore
	key      string
	locked   bool
	staged   []byte
	inserted bool
}

func (tx *fakeSelectTx) unlock() {
	if tx.locked {
		tx.locked = false
		tx.store.lock.Unlock()
	}
}

func (tx *fakeSelectTx) Begin(ctx context.Context) error { return tx.store.record(ctx, "begin") }

func (tx *fakeSelectTx) TryLockAndGet(ctx context.Context) (LockResult, error) {
	if err := tx.store.record(ctx, "tryLockAndGet"); err != nil {
		return LockResult{}, err
	}
	tx.store.lock.Lock()
	data, ok := tx.store.row(tx.key)
	if !ok {
		tx.store.lock.Unlock()
		return LockResult{}, nil
	}
	tx.locked = true
	return LockResult{Locked: true, Data: data}, nil
}

func (tx *fakeSelectTx) TryInsertEmptyData(ctx context.Context) (bool, error) {
	if err := tx.store.record(ctx, "tryInsertEmptyData"); err != nil {
		return false, err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.store.lostInserts > 0 {
		tx.store.lostInserts--
		return false, nil
	}
	if tx.store.present[tx.key] {
		return false, nil
	}
	tx.inserted = true
	return true, nil
}

func (tx *fakeSelectTx) Update(ctx context.Context, data []byte, _ *command.RemoteBucketState, _ time.Duration) error {
	if err := tx.store.record(ctx, "update"); err != nil {
		return err
	}
	tx.staged = data
	return nil
}

func (tx *fakeSelectTx) Commit(ctx context.Context) error {
	defer tx.unlock()
	if err := tx.store.record(ctx, "commit"); err != nil {
		return err
	}
	if tx.staged != nil {
		tx.store.put(tx.key, tx.staged, 0)
	}
	if _, ok := tx.store.row(tx.key); tx.inserted && !ok {
		tx.store.put(tx.key, nil, 0)
	}
	tx.staged, tx.inserted = nil, false
	return nil
}

func (tx *fakeSelectTx) Rollback(ctx context.Context) error {
	defer tx.unlock()
	tx.staged, tx.inserted = nil, false
	return tx.store.record(ctx, "rollback")
}

func (tx *fakeSelectTx) Release(ctx context.Context) error {
	tx.unlock()
	return tx.store.record(ctx, "release")
}

type fakeCAS struct {
	store *fakeStore
	key   string
}

func (op *fakeCAS) GetStateData(ctx context.Context) ([]byte, error) {
	if err := op.store.record(ctx, "getStateData"); err != nil {
		return nil, err
	}
	data, _ := op.store.row(op.key)
	return data, nil
}

func (op *fakeCAS) CompareAndSwap(ctx context.Context, original, updated []byte, _ *command.RemoteBucketState, ttl time.Duration) (bool, error) {
	if err := op.store.record(ctx, "compareAndSwap"); err != nil {
		return false, err
	}
	s := op.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return false, nil
	}
	current, ok := s.rows[op.key], s.present[op.key]
	if original == nil && ok || original != nil && !bytes.Equal(current, original) {
		return false, nil
	}
	s.rows[op.key], s.present[op.key], s.ttls[op.key] = updated, true, ttl
	return true, nil
}

// counter is a ConfigurationSupplier counting its calls.
type counter struct {
	mu    sync.Mutex
	calls int
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// allocationCounter counts the select-for-update transactions allocated.
type allocationCounter struct {
	*fakeStore
	allocations atomic.Int64
}

func (a *allocationCounter) AllocateSelectForUpdateTransaction(key string) SelectForUpdateTransaction {
	a.allocations.Add(1)
	return a.fakeStore.AllocateSelectForUpdateTransaction(key)
}

func (a *allocationCounter) count() int {
	return int(a.allocations.Load())
}
