package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xtrntr/campusmarket/internal/models"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb, err := Connect(context.Background(), Options{Addr: addr, DB: 15})
	if err != nil {
		t.Skipf("Redis not reachable: %v", err)
	}
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestKey(t *testing.T) {
	assert.Equal(t, "product:42", Key(42))
}

func TestProductCache_RoundTrip(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	c := NewProductCache(rdb, time.Minute, nil)

	_, ok := c.Get(ctx, 1)
	assert.False(t, ok)

	p := &models.Product{
		ID:       1,
		OwnerID:  3,
		Name:     "Desk lamp",
		Price:    decimal.RequireFromString("12.50"),
		Quantity: 2,
		Status:   models.ProductActive,
		PostTime: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
	}
	c.Set(ctx, p)

	got, ok := c.Get(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, p.Name, got.Name)
	assert.True(t, p.Price.Equal(got.Price))
	assert.Equal(t, models.ProductActive, got.Status)

	ttl := rdb.TTL(ctx, Key(1)).Val()
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	c.Invalidate(ctx, 1, 2)
	_, ok = c.Get(ctx, 1)
	assert.False(t, ok)
}

func TestProductCache_InvalidateBlocksStaleFill(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	c := NewProductCache(rdb, time.Minute, zap.New(core))
	c.hold = 200 * time.Millisecond

	stale := &models.Product{ID: 5, Name: "Old name", Status: models.ProductActive}
	fresh := &models.Product{ID: 5, Name: "New name", Status: models.ProductActive}

	tests := []struct {
		name     string
		run      func()
		wantHit  bool
		wantName string
	}{
		{name: "Fill", run: func() { c.Set(ctx, stale) }, wantHit: true, wantName: "Old name"},
		{name: "Invalidate", run: func() { c.Invalidate(ctx, 5) }},
		{name: "StaleFillAfterInvalidate", run: func() { c.Set(ctx, stale) }},
		{name: "FillAfterHold", run: func() {
			time.Sleep(300 * time.Millisecond)
			c.Set(ctx, fresh)
		}, wantHit: true, wantName: "New name"},
		{name: "FillDoesNotOverwrite", run: func() { c.Set(ctx, stale) }, wantHit: true, wantName: "New name"},
	}

	// Steps build on each other
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run()
			got, ok := c.Get(ctx, 5)
			require.Equal(t, tt.wantHit, ok)
			if tt.wantHit {
				assert.Equal(t, tt.wantName, got.Name)
			}
		})
	}
	assert.Zero(t, logs.Len())
}

func TestProductCache_CorruptEntryIsAMiss(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	c := NewProductCache(rdb, 0, zap.New(core))

	require.NoError(t, rdb.Set(ctx, Key(9), "{not json", time.Minute).Err())

	_, ok := c.Get(ctx, 9)
	assert.False(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("failed to unmarshal cached product").Len())
}

func TestProductCache_UnreachableRedisIsAMiss(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	core, logs := observer.New(zap.WarnLevel)
	c := NewProductCache(rdb, 0, zap.New(core))
	ctx := context.Background()

	_, ok := c.Get(ctx, 1)
	assert.False(t, ok)
	assert.NotPanics(t, func() {
		c.Set(ctx, &models.Product{ID: 1})
		c.Invalidate(ctx, 1)
	})
	assert.Equal(t, 3, logs.Len())
}
