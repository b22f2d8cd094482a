package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotaflow/quotaflow/ratelimiter"
)

// defaultRedisTTL bounds writes that do not carry their own TTL.
const defaultRedisTTL = 5 * time.Minute

// decrFloorLua subtracts with a floor of 0 in a single server-side step.
// An absent key is left absent and reported as 0; a decrement that would go
// negative is clamped without disturbing the key's TTL.
const decrFloorLua = `
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return 0
	end
	local value = redis.call("DECRBY", KEYS[1], ARGV[1])
	if value < 0 then
		redis.call("SET", KEYS[1], "0", "KEEPTTL")
		return 0
	end
	return value
`

// RedisStore implements ratelimiter.Store over Redis, for distributed
// deployments where multiple application instances share rate-limiting
// state.
//
// Incr maps to Redis's native atomic INCRBY (with PEXPIRE in the same
// transaction when a TTL is given), so counter correctness extends across
// the fleet; the decrement-with-floor runs as a pre-compiled Lua script.
// Every key is placed under a configurable namespace so tenants can share a
// Redis instance.
type RedisStore struct {
	client          *redis.Client
	namespace       string
	defaultTTL      time.Duration
	decrFloorScript *redis.Script
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithNamespace prefixes every key with ns + ":".
func WithNamespace(ns string) RedisOption {
	return func(r *RedisStore) {
		r.namespace = ns
	}
}

// WithRedisDefaultTTL overrides the TTL applied to writes that do not carry
// their own.
func WithRedisDefaultTTL(ttl time.Duration) RedisOption {
	return func(r *RedisStore) {
		if ttl > 0 {
			r.defaultTTL = ttl
		}
	}
}

// NewRedis creates a RedisStore on an existing client. The caller owns the
// client and its connection pool.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	r := &RedisStore{
		client:          client,
		defaultTTL:      defaultRedisTTL,
		decrFloorScript: redis.NewScript(decrFloorLua),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisStore) key(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

// Get returns the value for key, or ratelimiter.ErrKeyNotFound if absent.
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	if err := validateStoreKey(key); err != nil {
		return "", err
	}

	value, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ratelimiter.ErrKeyNotFound
	}
	if err != nil {
		return "", r.wrap("get", key, err)
	}
	return value, nil
}

// Set unconditionally writes value. ttl <= 0 applies the store default.
func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return r.wrap("set", key, err)
	}
	return nil
}

// Incr atomically adds delta via INCRBY; a ttl > 0 refreshes the key's TTL in
// the same transaction.
func (r *RedisStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := validateStoreKey(key); err != nil {
		return 0, err
	}

	namespaced := r.key(key)
	if ttl <= 0 {
		value, err := r.client.IncrBy(ctx, namespaced, delta).Result()
		if err != nil {
			return 0, r.wrap("incr", key, err)
		}
		return value, nil
	}

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, namespaced, delta)
		pipe.PExpire(ctx, namespaced, ttl)
		return nil
	})
	if err != nil {
		return 0, r.wrap("incr", key, err)
	}
	return incr.Val(), nil
}

// Decr atomically subtracts delta with a floor of 0 via the pre-compiled Lua
// script. An absent key is treated as 0 and not created.
func (r *RedisStore) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	if err := validateStoreKey(key); err != nil {
		return 0, err
	}

	value, err := r.decrFloorScript.Run(ctx, r.client, []string{r.key(key)}, delta).Int64()
	if err != nil {
		return 0, r.wrap("decr", key, err)
	}
	return value, nil
}

// Remove deletes the key; removing an absent key is not an error.
func (r *RedisStore) Remove(ctx context.Context, key string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return r.wrap("remove", key, err)
	}
	return nil
}

// Exists reports whether the key is present.
func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateStoreKey(key); err != nil {
		return false, err
	}

	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, r.wrap("exists", key, err)
	}
	return n > 0, nil
}

// Expire sets the TTL on an existing key; Redis ignores the call for an
// absent one.
func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return &ratelimiter.ConfigError{Field: "ttl", Value: ttl, Reason: "must be > 0", Err: ratelimiter.ErrOutOfRange}
	}

	if err := r.client.PExpire(ctx, r.key(key), ttl).Err(); err != nil {
		return r.wrap("expire", key, err)
	}
	return nil
}

func (r *RedisStore) wrap(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ratelimiter.StorageError{Backend: "redis", Op: op, Key: key, Err: err}
}
