package repository

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "storefront:cache:"

// CachedSlot is a read-through redis cache in front of another slot.
// The backing slot is the source of truth; redis failures only cost
// a cache miss.
type CachedSlot struct {
	next Slot
	rdb  *redis.Client
	sf   singleflight.Group
	cb   *gobreaker.CircuitBreaker
	log  logrus.FieldLogger
	ttl  time.Duration

	hitTotal      uint64
	missTotal     uint64
	fallbackTotal uint64
}

var _ Slot = (*CachedSlot)(nil)

type cachedValue struct {
	value string
	ok    bool
}

func NewCachedSlot(next Slot, rdb *redis.Client, log logrus.FieldLogger) *CachedSlot {
	c := &CachedSlot{
		next: next,
		rdb:  rdb,
		cb:   newBreaker("RedisCacheCircuitBreaker", log),
		log:  log,
		ttl:  10 * time.Minute,
	}
	c.registerMetrics()
	return c
}

func (c *CachedSlot) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("storefrontservice.slot")
	gauges := []struct {
		name    string
		counter *uint64
	}{
		{"slot_cache_hit_total", &c.hitTotal},
		{"slot_cache_miss_total", &c.missTotal},
		{"slot_cache_fallback_total", &c.fallbackTotal},
	}
	for _, g := range gauges {
		counter := g.counter
		_, err := meter.Int64ObservableGauge(
			g.name,
			metric.WithUnit("{ops}"),
			metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
				obs.Observe(int64(atomic.LoadUint64(counter)))
				return nil
			}),
		)
		if err != nil {
			c.log.Warnf("failed to register metric %s: %v", g.name, err)
		}
	}
}

func (c *CachedSlot) Get(ctx context.Context, key string) (string, bool, error) {
	cacheKey := cacheKeyPrefix + key

	val, err := c.cb.Execute(func() (interface{}, error) {
		res, err := c.rdb.Get(ctx, cacheKey).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		c.log.Warnf("[CachedSlot] Circuit breaker open or Redis error, reading %q from backing slot: %v", key, err)
		atomic.AddUint64(&c.fallbackTotal, 1)
		return c.next.Get(ctx, key)
	}
	if val != nil {
		atomic.AddUint64(&c.hitTotal, 1)
		return val.(string), true, nil
	}

	atomic.AddUint64(&c.missTotal, 1)
	result, err, _ := c.sf.Do(cacheKey, func() (interface{}, error) {
		value, ok, err := c.next.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			ttl := c.ttl + time.Duration(rand.Intn(60))*time.Second
			if err := c.rdb.Set(ctx, cacheKey, value, ttl).Err(); err != nil {
				c.log.Errorf("[CachedSlot] failed to write cache for redis key %s: %v", cacheKey, err)
			}
		}
		return cachedValue{value: value, ok: ok}, nil
	})
	if err != nil {
		return "", false, err
	}
	cv := result.(cachedValue)
	return cv.value, cv.ok, nil
}

func (c *CachedSlot) Set(ctx context.Context, key, value string) error {
	if err := c.next.Set(ctx, key, value); err != nil {
		return err
	}
	cacheKey := cacheKeyPrefix + key
	ttl := c.ttl + time.Duration(rand.Intn(60))*time.Second
	if err := c.rdb.Set(ctx, cacheKey, value, ttl).Err(); err != nil {
		c.log.Errorf("[CachedSlot] failed to refresh cache for %s, invalidating: %v", cacheKey, err)
		c.invalidate(ctx, cacheKey)
	}
	return nil
}

func (c *CachedSlot) Delete(ctx context.Context, key string) error {
	if err := c.next.Delete(ctx, key); err != nil {
		return err
	}
	c.invalidate(ctx, cacheKeyPrefix+key)
	return nil
}

func (c *CachedSlot) invalidate(ctx context.Context, cacheKey string) {
	if err := c.rdb.Del(ctx, cacheKey).Err(); err != nil {
		c.log.Errorf("[CachedSlot] failed to invalidate %s: %v", cacheKey, err)
	}
}

// Stats returns hit, miss and fallback counts.
func (c *CachedSlot) Stats() (hits, misses, fallbacks uint64) {
	return atomic.LoadUint64(&c.hitTotal), atomic.LoadUint64(&c.missTotal), atomic.LoadUint64(&c.fallbackTotal)
}
