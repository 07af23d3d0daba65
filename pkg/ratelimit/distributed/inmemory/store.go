package inmemory

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/proxy"
)

// Config holds configuration for an in-memory store.
type Config struct {
	// Clock decides when written keys expire. Defaults to the system clock.
	Clock bucket.Clock

	// Logger receives janitor events.
	Logger *slog.Logger
}

// DefaultConfig returns a configuration using the system clock and the
// default logger.
func DefaultConfig() Config {
	return Config{Clock: bucket.SystemClock{}, Logger: slog.Default()}
}

func applyConfigDefaults(config Config) Config {
	if config.Clock == nil {
		config.Clock = bucket.SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return config
}

type entry struct {
	data []byte

	// expireAt is zero for keys that never expire.
	expireAt int64
}

// keyLock is a context aware mutex shared by the transactions of one key.
type keyLock struct {
	token chan struct{}
	refs  int
}

// Store keeps bucket state in process memory. It serves every transaction
// discipline and honours expiration, which makes it a reference backend for
// tests and single process deployments.
type Store[K comparable] struct {
	config Config

	mu      sync.Mutex
	entries map[K]*entry
	locks   map[K]*keyLock
}

// New creates an empty store.
func New[K comparable](config Config) *Store[K] {
	return &Store[K]{
		config:  applyConfigDefaults(config),
		entries: make(map[K]*entry),
		locks:   make(map[K]*keyLock),
	}
}

var (
	_ proxy.LockBasedBackend[string]       = (*Store[string])(nil)
	_ proxy.SelectForUpdateBackend[string] = (*Store[string])(nil)
	_ proxy.CompareAndSwapBackend[string]  = (*Store[string])(nil)
	_ proxy.ExpirationSupporter            = (*Store[string])(nil)
)

func (s *Store[K]) now() int64 {
	return s.config.Clock.Now().UnixNano()
}

// live returns the entry of key unless it is missing or expired. The caller
// holds s.mu.
func (s *Store[K]) live(key K) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expireAt != 0 && s.now() >= e.expireAt {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

func (s *Store[K]) get(key K) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, false
	}
	return bytes.Clone(e.data), true
}

// put stores data under key. The caller holds s.mu.
func (s *Store[K]) put(key K, data []byte, ttl time.Duration) {
	e := &entry{data: bytes.Clone(data)}
	if ttl > 0 {
		e.expireAt = s.now() + int64(ttl)
	}
	s.entries[key] = e
}

func (s *Store[K]) lock(ctx context.Context, key K) error {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{token: make(chan struct{}, 1)}
		l.token <- struct{}{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case <-l.token:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.unref(key, l)
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Store[K]) unlock(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[key]
	l.token <- struct{}{}
	s.unref(key, l)
}

func (s *Store[K]) unref(key K, l *keyLock) {
	if l.refs--; l.refs == 0 {
		delete(s.locks, key)
	}
}

// Len returns the number of live keys.
func (s *Store[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.entries {
		if _, ok := s.live(key); ok {
			n++
		}
	}
	return n
}

// Purge drops expired keys and returns how many were dropped.
func (s *Store[K]) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for key, e := range s.entries {
		if e.expireAt != 0 && now >= e.expireAt {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

// SupportsExpireAfterWrite reports true: written TTLs are honoured.
func (s *Store[K]) SupportsExpireAfterWrite() bool { return true }

// RemoveProxy deletes the state of key.
func (s *Store[K]) RemoveProxy(_ context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// AllocateLockBasedTransaction returns a transaction over key. Writes become
// visible when the key is unlocked.
func (s *Store[K]) AllocateLockBasedTransaction(key K) proxy.LockBasedTransaction {
	return &lockTx[K]{store: s, key: key}
}

// AllocateSelectForUpdateTransaction returns a transaction over key.
func (s *Store[K]) AllocateSelectForUpdateTransaction(key K) proxy.SelectForUpdateTransaction {
	return &selectTx[K]{store: s, key: key}
}

// AllocateCompareAndSwapOperation returns an operation over key.
func (s *Store[K]) AllocateCompareAndSwapOperation(key K) proxy.CompareAndSwapOperation {
	return &casOp[K]{store: s, key: key}
}

// pending is a write staged by a transaction.
type pending struct {
	data []byte
	ttl  time.Duration
	set  bool
}

type lockTx[K comparable] struct {
	store  *Store[K]
	key    K
	held   bool
	staged pending
}

func (tx *lockTx[K]) Begin(context.Context) error    { return nil }
func (tx *lockTx[K]) Commit(context.Context) error   { return nil }
func (tx *lockTx[K]) Rollback(context.Context) error { tx.staged = pending{}; return nil }

func (tx *lockTx[K]) LockAndGet(ctx context.Context) ([]byte, error) {
	if err := tx.store.lock(ctx, tx.key); err != nil {
		return nil, err
	}
	tx.held = true
	data, _ := tx.store.get(tx.key)
	return data, nil
}

func (tx *lockTx[K]) Create(_ context.Context, data []byte, _ *command.RemoteBucketState, ttl time.Duration) error {
	tx.staged = pending{data: data, ttl: ttl, set: true}
	return nil
}

func (tx *lockTx[K]) Update(_ context.Context, data []byte, _ *command.RemoteBucketState, ttl time.Duration) error {
	tx.staged = pending{data: data, ttl: ttl, set: true}
	return nil
}

func (tx *lockTx[K]) Unlock(context.Context) error {
	if !tx.held {
		return nil
	}
	if tx.staged.set {
		tx.store.mu.Lock()
		tx.store.put(tx.key, tx.staged.data, tx.staged.ttl)
		tx.store.mu.Unlock()
		tx.staged = pending{}
	}
	tx.held = false
	tx.store.unlock(tx.key)
	return nil
}

func (tx *lockTx[K]) Release(context.Context) error {
	if tx.held {
		tx.held = false
		tx.store.unlock(tx.key)
	}
	return nil
}

type selectTx[K comparable] struct {
	store  *Store[K]
	key    K
	held   bool
	staged pending
}

func (tx *selectTx[K]) Begin(context.Context) error { return nil }

func (tx *selectTx[K]) TryLockAndGet(ctx context.Context) (proxy.LockResult, error) {
	if _, ok := tx.store.get(tx.key); !ok {
		return proxy.LockResult{}, nil
	}
	if err := tx.store.lock(ctx, tx.key); err != nil {
		return proxy.LockResult{}, err
	}
	data, ok := tx.store.get(tx.key)
	if !ok {
		// Removed while waiting for the lock.
		tx.store.unlock(tx.key)
		return proxy.LockResult{}, nil
	}
	tx.held = true
	return proxy.LockResult{Locked: true, Data: data}, nil
}

func (tx *selectTx[K]) TryInsertEmptyData(context.Context) (bool, error) {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(tx.key); ok {
		return false, nil
	}
	s.entries[tx.key] = &entry{}
	return true, nil
}

func (tx *selectTx[K]) Update(_ context.Context, data []byte, _ *command.RemoteBucketState, ttl time.Duration) error {
	tx.staged = pending{data: data, ttl: ttl, set: true}
	return nil
}

func (tx *selectTx[K]) Commit(context.Context) error {
	if tx.staged.set {
		tx.store.mu.Lock()
		tx.store.put(tx.key, tx.staged.data, tx.staged.ttl)
		tx.store.mu.Unlock()
	}
	tx.finish()
	return nil
}

func (tx *selectTx[K]) Rollback(context.Context) error {
	tx.finish()
	return nil
}

func (tx *selectTx[K]) Release(context.Context) error {
	tx.finish()
	return nil
}

func (tx *selectTx[K]) finish() {
	tx.staged = pending{}
	if tx.held {
		tx.held = false
		tx.store.unlock(tx.key)
	}
}

type casOp[K comparable] struct {
	store *Store[K]
	key   K
}

func (op *casOp[K]) GetStateData(context.Context) ([]byte, error) {
	data, _ := op.store.get(op.key)
	return data, nil
}

func (op *casOp[K]) CompareAndSwap(_ context.Context, original, updated []byte, _ *command.RemoteBucketState, ttl time.Duration) (bool, error) {
	s := op.store
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(op.key)
	switch {
	case original == nil && ok && e.data != nil:
		return false, nil
	case original != nil && (!ok || !bytes.Equal(e.data, original)):
		return false, nil
	}
	s.put(op.key, updated, ttl)
	return true, nil
}
