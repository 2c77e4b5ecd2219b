// Package cache keeps a read-through copy of product records in Redis.
// Redis is never the source of truth: every failure is logged and treated as
// a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xtrntr/campusmarket/internal/models"
)

// DefaultTTL bounds how stale a cached product can be if an invalidation is
// lost.
const DefaultTTL = 5 * time.Minute

// InvalidationHold is how long an invalidated key refuses new fills. A
// reader that loaded the row before the writer committed cannot put its
// stale copy back inside this window.
const InvalidationHold = 5 * time.Second

// invalidated is stored in place of a product while its key is held
const invalidated = "-"

// Options configures the Redis connection
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a Redis client and checks it answers
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     20,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// ProductCache stores products as JSON under product:<id>
type ProductCache struct {
	redis  redis.Cmdable
	ttl    time.Duration
	hold   time.Duration
	logger *zap.Logger
}

// NewProductCache wraps rdb. A zero ttl means DefaultTTL.
func NewProductCache(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *ProductCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductCache{redis: rdb, ttl: ttl, hold: InvalidationHold, logger: logger}
}

// Key returns the Redis key of a product
func Key(id int64) string {
	return fmt.Sprintf("product:%d", id)
}

// Get returns the cached product, if any
func (c *ProductCache) Get(ctx context.Context, id int64) (*models.Product, bool) {
	data, err := c.redis.Get(ctx, Key(id)).Bytes()
	switch {
	case err == nil:
	case errors.Is(err, redis.Nil):
		return nil, false
	default:
		c.logger.Warn("redis read failed, continuing with database", zap.Int64("product_id", id), zap.Error(err))
		return nil, false
	}
	if string(data) == invalidated {
		return nil, false
	}

	var p models.Product
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Warn("failed to unmarshal cached product", zap.Int64("product_id", id), zap.Error(err))
		return nil, false
	}
	return &p, true
}

// Set stores p unless the key is present. Fills only follow a miss, so a
// present key is an invalidation marker or a concurrent fill.
func (c *ProductCache) Set(ctx context.Context, p *models.Product) {
	data, err := json.Marshal(p)
	if err != nil {
		c.logger.Warn("failed to marshal product", zap.Int64("product_id", p.ID), zap.Error(err))
		return
	}
	if err := c.redis.SetNX(ctx, Key(p.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("failed to cache product", zap.Int64("product_id", p.ID), zap.Error(err))
	}
}

// Invalidate replaces the given products with a short-lived marker
func (c *ProductCache) Invalidate(ctx context.Context, ids ...int64) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = Key(id)
	}
	_, err := c.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Set(ctx, key, invalidated, c.hold)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to invalidate product cache", zap.Strings("keys", keys), zap.Error(err))
	}
}
