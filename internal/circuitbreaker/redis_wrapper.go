package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const redisService = "checkpoint-store"

// RedisWrapper wraps Redis client with circuit breaker
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker. redis.Nil is
// not treated as a failure.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	config := RedisSettings().ToConfig()
	config.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, redis.Nil) }
	cb := NewCircuitBreaker("redis", config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", redisService, cb)

	return &RedisWrapper{client: client, cb: cb, logger: logger}
}

// guard runs fn through the breaker. When fn never ran, because the breaker
// rejected the call or ctx was done, fail receives the error for the cmd.
func (rw *RedisWrapper) guard(ctx context.Context, fn func() error, fail func(error)) {
	ran := false
	err := observe(ctx, rw.cb, "redis", redisService, func() error {
		ran = true
		return fn()
	})
	if err != nil && !ran {
		fail(err)
	}
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	result := redis.NewStatusCmd(ctx)
	rw.guard(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	}, result.SetErr)
	return result
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	result := redis.NewStringCmd(ctx)
	rw.guard(ctx, func() error {
		result = rw.client.Get(ctx, key)
		return result.Err()
	}, result.SetErr)
	return result
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	result := redis.NewStatusCmd(ctx)
	rw.guard(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	}, result.SetErr)
	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	result := redis.NewIntCmd(ctx)
	rw.guard(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	}, result.SetErr)
	return result
}

// Eval wraps a Lua script call with circuit breaker
func (rw *RedisWrapper) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	result := redis.NewCmd(ctx)
	rw.guard(ctx, func() error {
		result = rw.client.Eval(ctx, script, keys, args...)
		return result.Err()
	}, result.SetErr)
	return result
}

// TxPipelined runs fn inside MULTI/EXEC with circuit breaker
func (rw *RedisWrapper) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	var err error
	rw.guard(ctx, func() error {
		_, err = rw.client.TxPipelined(ctx, fn)
		return err
	}, func(e error) { err = e })
	return err
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
