package distributed

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	bfctx "github.com/vnykmshr/bucketflow/pkg/common/context"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/proxy"
)

// RedisBackend stores bucket state in Redis, one string key per bucket, and
// serves the compare-and-swap discipline.
type RedisBackend struct {
	config Config

	// Lua script swapping a key only while it holds the expected state
	swapScript *redis.Script
}

var (
	_ proxy.CompareAndSwapBackend[string] = (*RedisBackend)(nil)
	_ proxy.ExpirationSupporter           = (*RedisBackend)(nil)
)

// NewRedisBackend creates a Redis backend.
func NewRedisBackend(config Config) (*RedisBackend, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return &RedisBackend{
		config:     applyConfigDefaults(config),
		swapScript: redis.NewScript(luaCompareAndSwap),
	}, nil
}

// NewRedisManager creates a compare-and-swap manager over a Redis backend.
func NewRedisManager(config Config, client proxy.ClientSideConfig) (*proxy.Manager[string], error) {
	backend, err := NewRedisBackend(config)
	if err != nil {
		return nil, err
	}
	return proxy.NewCompareAndSwapManager[string](backend, client)
}

func (rb *RedisBackend) key(key string) string {
	return rb.config.KeyPrefix + ":" + key
}

func (rb *RedisBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return bfctx.WithOptionalTimeout(ctx, rb.config.RedisTimeout)
}

// SupportsExpireAfterWrite reports true: keys are written with PX.
func (rb *RedisBackend) SupportsExpireAfterWrite() bool { return true }

// RemoveProxy deletes the state of key.
func (rb *RedisBackend) RemoveProxy(ctx context.Context, key string) error {
	ctx, cancel := rb.withTimeout(ctx)
	defer cancel()

	if err := rb.config.Redis.Del(ctx, rb.key(key)).Err(); err != nil {
		return &RedisError{"remove", err}
	}
	return nil
}

// AllocateCompareAndSwapOperation returns an operation over key.
func (rb *RedisBackend) AllocateCompareAndSwapOperation(key string) proxy.CompareAndSwapOperation {
	return &redisOperation{backend: rb, key: rb.key(key)}
}

type redisOperation struct {
	backend *RedisBackend
	key     string
}

func (op *redisOperation) GetStateData(ctx context.Context) ([]byte, error) {
	ctx, cancel := op.backend.withTimeout(ctx)
	defer cancel()

	data, err := op.backend.config.Redis.Get(ctx, op.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &RedisError{"get", err}
	}
	return data, nil
}

func (op *redisOperation) CompareAndSwap(ctx context.Context, original, updated []byte, _ *command.RemoteBucketState, ttl time.Duration) (bool, error) {
	ctx, cancel := op.backend.withTimeout(ctx)
	defer cancel()

	client := op.backend.config.Redis
	if original == nil {
		ok, err := client.SetNX(ctx, op.key, updated, ttl).Result()
		if err != nil {
			return false, &RedisError{"create", err}
		}
		return ok, nil
	}

	swapped, err := op.backend.swapScript.Run(ctx, client, []string{op.key},
		original,           // expected state
		updated,            // new state
		ttl.Milliseconds(), // time to live
	).Int()
	if err != nil {
		return false, &RedisError{"compare_and_swap", err}
	}
	return swapped == 1, nil
}

// Lua scripts for atomic operations
const luaCompareAndSwap = `
-- KEYS[1]: state key
-- ARGV[1]: expected state
-- ARGV[2]: new state
-- ARGV[3]: time to live in milliseconds, 0 keeps the key forever

local current = redis.call('GET', KEYS[1])
if current ~= ARGV[1] then
    return 0
end

local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
    redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`
