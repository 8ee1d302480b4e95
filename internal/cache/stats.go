// Package cache implements the optional Redis-backed market stats cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/newtonhq/marketplace/internal/models"
)

// ErrMiss is returned when the cached snapshot is absent or expired.
var ErrMiss = errors.New("cache: miss")

const statsKey = "market:stats"

// StatsCache stores the market stats snapshot in Redis with a short TTL so
// burst traffic on /market/stats does not recompute the snapshot per
// request. A nil *StatsCache is valid and behaves as an always-miss cache.
type StatsCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to Redis, verifies connectivity, and returns the cache.
func New(ctx context.Context, addr, password string, db int, ttl time.Duration) (*StatsCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &StatsCache{rdb: rdb, ttl: ttl}, nil
}

// Get returns the cached snapshot or ErrMiss.
func (c *StatsCache) Get(ctx context.Context) (models.MarketStats, error) {
	var stats models.MarketStats
	if c == nil {
		return stats, ErrMiss
	}
	data, err := c.rdb.Get(ctx, statsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return stats, ErrMiss
	}
	if err != nil {
		return stats, fmt.Errorf("cache: get stats: %w", err)
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		return stats, fmt.Errorf("cache: decode stats: %w", err)
	}
	return stats, nil
}

// Set stores the snapshot under the configured TTL.
func (c *StatsCache) Set(ctx context.Context, stats models.MarketStats) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("cache: encode stats: %w", err)
	}
	if err := c.rdb.Set(ctx, statsKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set stats: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (c *StatsCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
