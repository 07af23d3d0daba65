package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/vnykmshr/bucketflow/pkg/async"
	bferrors "github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/common/validation"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
)

// Manager executes commands against buckets stored in a backend, one
// transaction per command. It never creates a bucket on its own: commands
// against a missing key return a not-found result unless they are
// initialization commands.
type Manager[K comparable] struct {
	cfg        ClientSideConfig
	engine     *engine
	run        func(ctx context.Context, key K, req command.Request) (command.CommandResult, error)
	remove     func(ctx context.Context, key K) error
	expiration bool
}

// NewLockBasedManager returns a manager driving lock-based transactions.
func NewLockBasedManager[K comparable](backend LockBasedBackend[K], cfg ClientSideConfig) (*Manager[K], error) {
	if backend == nil {
		return nil, validation.ValidateNotNil("proxy", "backend", nil)
	}
	return newManager(cfg, LockBased, backend, backend.RemoveProxy,
		func(e *engine) func(context.Context, K, command.Request) (command.CommandResult, error) {
			return func(ctx context.Context, key K, req command.Request) (command.CommandResult, error) {
				return e.executeLockBased(ctx, backend.AllocateLockBasedTransaction(key), req)
			}
		})
}

// NewSelectForUpdateManager returns a manager driving select-for-update
// transactions.
func NewSelectForUpdateManager[K comparable](backend SelectForUpdateBackend[K], cfg ClientSideConfig) (*Manager[K], error) {
	if backend == nil {
		return nil, validation.ValidateNotNil("proxy", "backend", nil)
	}
	return newManager(cfg, SelectForUpdate, backend, backend.RemoveProxy,
		func(e *engine) func(context.Context, K, command.Request) (command.CommandResult, error) {
			return func(ctx context.Context, key K, req command.Request) (command.CommandResult, error) {
				return e.executeSelectForUpdate(ctx, func() SelectForUpdateTransaction {
					return backend.AllocateSelectForUpdateTransaction(key)
				}, req)
			}
		})
}

// NewCompareAndSwapManager returns a manager driving optimistic
// compare-and-swap operations.
func NewCompareAndSwapManager[K comparable](backend CompareAndSwapBackend[K], cfg ClientSideConfig) (*Manager[K], error) {
	if backend == nil {
		return nil, validation.ValidateNotNil("proxy", "backend", nil)
	}
	return newManager(cfg, CompareAndSwap, backend, backend.RemoveProxy,
		func(e *engine) func(context.Context, K, command.Request) (command.CommandResult, error) {
			return func(ctx context.Context, key K, req command.Request) (command.CommandResult, error) {
				return e.executeCompareAndSwap(ctx, backend.AllocateCompareAndSwapOperation(key), req)
			}
		})
}

func newManager[K comparable](
	cfg ClientSideConfig,
	discipline string,
	backend any,
	remove func(context.Context, K) error,
	bind func(*engine) func(context.Context, K, command.Request) (command.CommandResult, error),
) (*Manager[K], error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	supported := false
	if es, ok := backend.(ExpirationSupporter); ok {
		supported = es.SupportsExpireAfterWrite()
	}
	if _, none := cfg.Expiration.(noExpiration); !none && !supported {
		return nil, bferrors.NewValidationError("proxy", "expiration", fmt.Sprintf("%T", cfg.Expiration), "not supported by backend").
			WithHint("use NoExpiration() with this backend")
	}

	e := &engine{cfg: cfg, discipline: discipline, clock: bucket.SystemClock{}}
	return &Manager[K]{
		cfg:        cfg,
		engine:     e,
		run:        bind(e),
		remove:     remove,
		expiration: supported,
	}, nil
}

// Config returns the client side configuration in effect.
func (m *Manager[K]) Config() ClientSideConfig {
	return m.cfg
}

// Discipline returns the transaction discipline of the manager.
func (m *Manager[K]) Discipline() string {
	return m.engine.discipline
}

func (m *Manager[K]) request(cmd command.Command) command.Request {
	req := command.Request{Command: cmd, Version: m.cfg.BackwardCompatibilityVersion}
	if m.cfg.Clock != nil {
		req = req.WithClientTime(m.cfg.Clock.Now().UnixNano())
	}
	return req
}

// Execute runs cmd against the bucket stored under key.
func (m *Manager[K]) Execute(ctx context.Context, key K, cmd command.Command) (command.CommandResult, error) {
	req := m.request(cmd)
	if err := command.CheckRequest(req); err != nil {
		return command.CommandResult{}, err
	}

	start := time.Now()
	res, err := m.run(ctx, key, req)
	m.observe(cmd, res, err, time.Since(start))
	return res, err
}

func (m *Manager[K]) observe(cmd command.Command, res command.CommandResult, err error, elapsed time.Duration) {
	if m.cfg.Metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case res.NotFound:
		outcome = "not_found"
	}
	kind := cmd.Kind().String()
	m.cfg.Metrics.RemoteCommands.WithLabelValues(kind, outcome).Inc()
	m.cfg.Metrics.RemoteDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ExecuteAsync runs cmd on the configured executor.
func (m *Manager[K]) ExecuteAsync(ctx context.Context, key K, cmd command.Command) *async.Future[command.CommandResult] {
	if !m.IsAsyncModeSupported() {
		return async.Failed[command.CommandResult](bferrors.ErrAsyncNotSupported)
	}
	return async.Go(ctx, m.cfg.Executor, func(ctx context.Context) (command.CommandResult, error) {
		return m.Execute(ctx, key, cmd)
	})
}

// CreateInitialState stores cfg under key unless a bucket already exists.
func (m *Manager[K]) CreateInitialState(ctx context.Context, key K, cfg *bucket.Configuration) error {
	if cfg == nil {
		return validation.ValidateNotNil("proxy", "configuration", nil)
	}
	_, err := m.Execute(ctx, key, command.CreateInitialState{Configuration: cfg})
	return err
}

// CreateInitialStateAndExecute creates the bucket when missing and runs cmd
// in the same transaction.
func (m *Manager[K]) CreateInitialStateAndExecute(ctx context.Context, key K, cfg *bucket.Configuration, cmd command.Command) (command.CommandResult, error) {
	if cfg == nil {
		return command.CommandResult{}, validation.ValidateNotNil("proxy", "configuration", nil)
	}
	return m.Execute(ctx, key, command.CreateInitialStateAndExecute{Configuration: cfg, Command: cmd})
}

// GetConfiguration returns the stored configuration of key. The boolean is
// false when no bucket exists.
func (m *Manager[K]) GetConfiguration(ctx context.Context, key K) (*bucket.Configuration, bool, error) {
	res, err := m.Execute(ctx, key, command.GetConfiguration{})
	if err != nil || res.NotFound {
		return nil, false, err
	}
	cfg, _ := res.Data.(*bucket.Configuration)
	return cfg, cfg != nil, nil
}

// GetConfigurationAsync is the asynchronous form of GetConfiguration. A
// missing bucket completes the future with a nil configuration.
func (m *Manager[K]) GetConfigurationAsync(ctx context.Context, key K) *async.Future[*bucket.Configuration] {
	return async.Then(m.ExecuteAsync(ctx, key, command.GetConfiguration{}), func(res command.CommandResult) (*bucket.Configuration, error) {
		cfg, _ := res.Data.(*bucket.Configuration)
		return cfg, nil
	})
}

// RemoveProxy deletes the bucket stored under key.
func (m *Manager[K]) RemoveProxy(ctx context.Context, key K) error {
	return m.remove(ctx, key)
}

// IsAsyncModeSupported reports whether an executor was configured.
func (m *Manager[K]) IsAsyncModeSupported() bool {
	return m.cfg.Executor != nil
}

// IsExpireAfterWriteSupported reports whether the backend honours
// ExpirationAfterWrite.
func (m *Manager[K]) IsExpireAfterWriteSupported() bool {
	return m.expiration
}

// Executor binds the manager to key.
func (m *Manager[K]) Executor(key K) command.CommandExecutor {
	return command.ExecutorFunc(func(ctx context.Context, cmd command.Command) (command.CommandResult, error) {
		return m.Execute(ctx, key, cmd)
	})
}

// AsyncExecutor binds the asynchronous form of the manager to key.
func (m *Manager[K]) AsyncExecutor(key K) command.AsyncCommandExecutor {
	return command.AsyncExecutorFunc(func(ctx context.Context, cmd command.Command) *async.Future[command.CommandResult] {
		return m.ExecuteAsync(ctx, key, cmd)
	})
}

// Builder starts building a client handle for buckets of this manager.
func (m *Manager[K]) Builder() *Builder[K] {
	return &Builder[K]{manager: m, recovery: Reconstruct}
}
