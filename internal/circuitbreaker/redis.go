package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient wraps the subset of go-redis commands the embedding cache
// uses, so a dead Redis degrades to cache misses instead of stalls.
type RedisClient struct {
	client *redis.Client
	cb     *Breaker
}

// NewRedisClient wraps client with a breaker named "redis".
func NewRedisClient(client *redis.Client, logger *zap.Logger) *RedisClient {
	return &RedisClient{
		client: client,
		cb:     New("redis", DefaultConfig(), logger),
	}
}

func (r *RedisClient) Ping(ctx context.Context) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := r.cb.Execute(ctx, func() error {
		cmd = r.client.Ping(ctx)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (r *RedisClient) Get(ctx context.Context, key string) *redis.StringCmd {
	var cmd *redis.StringCmd
	err := r.cb.Execute(ctx, func() error {
		cmd = r.client.Get(ctx, key)
		if err := cmd.Err(); err != nil && err != redis.Nil {
			return err
		}
		return nil
	})
	if cmd == nil {
		cmd = redis.NewStringCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	var cmd *redis.StatusCmd
	err := r.cb.Execute(ctx, func() error {
		cmd = r.client.Set(ctx, key, value, ttl)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewStatusCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

func (r *RedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var cmd *redis.IntCmd
	err := r.cb.Execute(ctx, func() error {
		cmd = r.client.Del(ctx, keys...)
		return cmd.Err()
	})
	if cmd == nil {
		cmd = redis.NewIntCmd(ctx)
		cmd.SetErr(err)
	}
	return cmd
}

// Open reports whether the breaker currently refuses calls.
func (r *RedisClient) Open() bool { return r.cb.State() == StateOpen }

func (r *RedisClient) Close() error { return r.client.Close() }
