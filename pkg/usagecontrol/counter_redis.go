package usagecontrol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/dsconnector/pkg/store"
)

// redisIncrementIfBelowScript increments a counter only while it is below
// the bound.
// KEYS[1] = counter key
// ARGV[1] = max
var redisIncrementIfBelowScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local max = tonumber(ARGV[1])
if cur >= max then
    return {0, cur}
end
local n = redis.call("INCR", KEYS[1])
return {1, n}
`)

// RedisCounter keeps usage counters in Redis. Redis is outside the message
// transaction, so a granted increment is undone when that transaction
// rolls back.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(addr, password string, db int) *RedisCounter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCounter{client: rdb, prefix: "usage"}
}

// Ping checks connectivity.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}

func (c *RedisCounter) key(agreementID, target string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, agreementID, target)
}

func (c *RedisCounter) IncrementIfBelow(ctx context.Context, agreementID, target string, max int64) (int64, bool, error) {
	key := c.key(agreementID, target)
	res, err := redisIncrementIfBelowScript.Run(ctx, c.client, []string{key}, max).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis counter error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return 0, false, fmt.Errorf("invalid response from lua script")
	}
	granted, _ := results[0].(int64)
	count, _ := results[1].(int64)

	if granted == 1 {
		store.OnRollback(ctx, func() {
			undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := c.client.Decr(undoCtx, key).Err(); err != nil {
				slog.Default().Warn("usage counter compensation failed", "key", key, "error", err)
			}
		})
	}
	return count, granted == 1, nil
}

// Count reads the current counter value.
func (c *RedisCounter) Count(ctx context.Context, agreementID, target string) (int64, error) {
	n, err := c.client.Get(ctx, c.key(agreementID, target)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
