package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"MBackend/logger"
)

// RedisCache backs the Cache interface with redis. Every error is logged
// and treated as a miss so a cache outage degrades to durable reads.
type RedisCache struct {
	rdb redis.UniversalClient
}

func NewRedisCache(rdb redis.UniversalClient) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		logger.Warnf("cache get %s: %v", key, err)
		return "", false
	}
	return val, true
}

func (c *RedisCache) GetMulti(ctx context.Context, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		logger.Warnf("cache mget: %v", err)
		return out
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out
}

func (c *RedisCache) Set(ctx context.Context, key, val string, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		logger.Warnf("cache set %s: %v", key, err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		logger.Warnf("cache del: %v", err)
	}
}
