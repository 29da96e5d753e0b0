package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ringmaster:cache:"

// Redis is the shared backend for multi-process deployments where
// several ringmaster instances serve the same projects.
type Redis struct {
	client *redis.Client
	config *Config

	mu    sync.Mutex
	stats Stats
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, url string, config *Config) (*Redis, error) {
	if config == nil {
		config = DefaultConfig()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, config: config}, nil
}

// Get returns the cached value when present.
func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	if !r.config.Enabled {
		return "", false
	}
	val, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	r.mu.Lock()
	if err == nil {
		r.stats.Hits++
	} else {
		r.stats.Misses++
	}
	r.mu.Unlock()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	return val, true
}

// Set stores a value with TTL enforced by Redis expiry.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !r.config.Enabled {
		return nil
	}
	if ttl == 0 {
		ttl = r.config.DefaultTTL
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Clear removes every ringmaster cache key.
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// GetStats returns hit/miss counters for this process.
func (r *Redis) GetStats(ctx context.Context) *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.stats
	if n, err := r.client.DBSize(ctx).Result(); err == nil {
		stats.TotalEntries = n
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return &stats
}

// Close releases the client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
