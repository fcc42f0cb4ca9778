package repository

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	redisotel "github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const slotKeyPrefix = "storefront:slot:"

type RedisConfig struct {
	Addr          string
	SentinelAddrs []string
	MasterName    string
	DB            int
	MaxRetries    int
}

// RedisConfigFromEnv reads REDIS_SENTINEL_ADDRS, REDIS_MASTER_NAME, REDIS_ADDR and REDIS_DB.
func RedisConfigFromEnv() RedisConfig {
	cfg := RedisConfig{
		Addr:       os.Getenv("REDIS_ADDR"),
		MasterName: os.Getenv("REDIS_MASTER_NAME"),
		MaxRetries: 10,
	}
	if s := os.Getenv("REDIS_SENTINEL_ADDRS"); s != "" {
		cfg.SentinelAddrs = strings.Split(s, ",")
	}
	if s := os.Getenv("REDIS_DB"); s != "" {
		if db, err := strconv.Atoi(s); err == nil {
			cfg.DB = db
		}
	}
	if cfg.MasterName == "" {
		cfg.MasterName = "mymaster"
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	return cfg
}

// NewRedisClient connects in sentinel mode when sentinel addresses are set
// and in single node mode otherwise, retrying the initial ping with
// exponential backoff capped at 30s.
func NewRedisClient(ctx context.Context, cfg RedisConfig, log logrus.FieldLogger) (*redis.Client, error) {
	var rdb *redis.Client
	if len(cfg.SentinelAddrs) > 0 {
		log.Infof("Initializing Redis in Sentinel Mode. Master: %s, DB: %d", cfg.MasterName, cfg.DB)
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			DB:            cfg.DB,
		})
	} else {
		log.Infof("Initializing Redis in Single Mode. Addr: %s, DB: %d", cfg.Addr, cfg.DB)
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Addr,
			DB:   cfg.DB,
		})
	}

	if err := redisotel.InstrumentTracing(rdb); err != nil {
		log.Warnf("failed to instrument redis tracing: %v", err)
	}
	if err := redisotel.InstrumentMetrics(rdb); err != nil {
		log.Warnf("failed to instrument redis metrics: %v", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()

		if err == nil {
			log.Info("connected to redis")
			return rdb, nil
		}

		if i == maxRetries-1 {
			rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis after %d retries: %w", maxRetries, err)
		}

		backoff := time.Duration(1<<i) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		log.Warnf("redis not ready, retry in %v... (%d/%d)", backoff, i+1, maxRetries)
		select {
		case <-ctx.Done():
			rdb.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return rdb, nil
}

func newBreaker(name string, log logrus.FieldLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
	})
}

// RedisSlot stores each slot as a plain redis string under storefront:slot:<key>.
type RedisSlot struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker
	log logrus.FieldLogger
}

var _ Slot = (*RedisSlot)(nil)

func NewRedisSlot(rdb *redis.Client, log logrus.FieldLogger) *RedisSlot {
	return &RedisSlot{
		rdb: rdb,
		cb:  newBreaker("RedisSlot", log),
		log: log,
	}
}

func (r *RedisSlot) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.cb.Execute(func() (interface{}, error) {
		res, err := r.rdb.Get(ctx, slotKeyPrefix+key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return "", false, breakerErr("get", key, err)
	}
	if val == nil {
		return "", false, nil
	}
	return val.(string), true, nil
}

func (r *RedisSlot) Set(ctx context.Context, key, value string) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.rdb.Set(ctx, slotKeyPrefix+key, value, 0).Err()
	})
	if err != nil {
		return breakerErr("set", key, err)
	}
	return nil
}

func (r *RedisSlot) Delete(ctx context.Context, key string) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.rdb.Del(ctx, slotKeyPrefix+key).Err()
	})
	if err != nil {
		return breakerErr("delete", key, err)
	}
	return nil
}

func breakerErr(op, key string, err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("redis slot %s %q: %w", op, key, ErrUnavailable)
	}
	return fmt.Errorf("redis slot %s %q: %w", op, key, err)
}
