package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultNamespace = "tahrir"

// Option is a functional option for configuring the Redis cache.
type Option func(*redisCache)

// WithNamespace sets the key namespace prefix for Redis keys.
func WithNamespace(ns string) Option {
	return func(c *redisCache) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithFallback installs an in-process store used when Redis is
// unreachable. Without one, degraded-mode reads miss and writes drop.
func WithFallback(fb Cache) Option {
	return func(c *redisCache) {
		c.fallback = fb
	}
}

// redisCache implements Cache on go-redis. On any backend error the
// instance flips to the in-process fallback until Healthy observes the
// backend again; the flip is logged once per outage.
type redisCache struct {
	client    *redis.Client
	namespace string
	fallback  Cache
	log       *zap.Logger

	mu       sync.Mutex
	degraded bool
}

// NewRedis connects and returns the shared cache. Connection refusal is
// not fatal: the cache starts degraded and recovers when Redis appears.
func NewRedis(addr string, db int, log *zap.Logger, opts ...Option) Cache {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	c := &redisCache{
		client:    client,
		namespace: defaultNamespace,
		log:       log,
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.noteFailure(err)
	}
	return c
}

func (c *redisCache) key(parts ...string) string {
	k := c.namespace
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// noteFailure flips to degraded mode, logging only on the transition so
// an outage does not flood the log.
func (c *redisCache) noteFailure(err error) {
	c.mu.Lock()
	was := c.degraded
	c.degraded = true
	c.mu.Unlock()
	if !was && c.log != nil {
		c.log.Warn("cache backend unavailable, serving from in-process fallback", zap.Error(err))
	}
}

func (c *redisCache) noteRecovery() {
	c.mu.Lock()
	was := c.degraded
	c.degraded = false
	c.mu.Unlock()
	if was && c.log != nil {
		c.log.Info("cache backend recovered")
	}
}

func (c *redisCache) isDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.isDegraded() {
		if c.fallback != nil {
			return c.fallback.Get(ctx, key)
		}
		return nil, false
	}
	val, err := c.client.Get(ctx, c.key("kv", key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.noteFailure(err)
		if c.fallback != nil {
			return c.fallback.Get(ctx, key)
		}
		return nil, false
	}
	return val, true
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.fallback != nil {
		c.fallback.Set(ctx, key, value, ttl)
	}
	if c.isDegraded() {
		return
	}
	if err := c.client.Set(ctx, c.key("kv", key), value, ttl).Err(); err != nil {
		c.noteFailure(err)
	}
}

func (c *redisCache) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := jsonAPI.Unmarshal(raw, dest); err != nil {
		if c.log != nil {
			c.log.Warn("cache value is not valid JSON, treating as miss",
				zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return true
}

func (c *redisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	raw, err := jsonAPI.Marshal(value)
	if err != nil {
		if c.log != nil {
			c.log.Warn("cache value failed to marshal", zap.String("key", key), zap.Error(err))
		}
		return
	}
	c.Set(ctx, key, raw, ttl)
}

func (c *redisCache) IncrementCounter(ctx context.Context, key string) int64 {
	if c.isDegraded() {
		if c.fallback != nil {
			return c.fallback.IncrementCounter(ctx, key)
		}
		return 0
	}
	k := c.key("counter", key)
	n, err := c.client.Incr(ctx, k).Result()
	if err != nil {
		c.noteFailure(err)
		if c.fallback != nil {
			return c.fallback.IncrementCounter(ctx, key)
		}
		return 0
	}
	if n == 1 {
		// first write of the day owns the expiry
		c.client.Expire(ctx, k, untilNextMidnight(time.Now()))
	}
	return n
}

func (c *redisCache) CounterValue(ctx context.Context, key string) int64 {
	if c.isDegraded() {
		if c.fallback != nil {
			return c.fallback.CounterValue(ctx, key)
		}
		return 0
	}
	raw, err := c.client.Get(ctx, c.key("counter", key)).Result()
	if err == redis.Nil {
		return 0
	}
	if err != nil {
		c.noteFailure(err)
		if c.fallback != nil {
			return c.fallback.CounterValue(ctx, key)
		}
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

func (c *redisCache) IsURLProcessed(ctx context.Context, hash string) bool {
	if c.isDegraded() {
		if c.fallback != nil {
			return c.fallback.IsURLProcessed(ctx, hash)
		}
		return false
	}
	n, err := c.client.Exists(ctx, c.key("url", hash)).Result()
	if err != nil {
		c.noteFailure(err)
		if c.fallback != nil {
			return c.fallback.IsURLProcessed(ctx, hash)
		}
		return false
	}
	return n > 0
}

func (c *redisCache) MarkURLProcessed(ctx context.Context, hash string, articleID int64) {
	if c.fallback != nil {
		c.fallback.MarkURLProcessed(ctx, hash, articleID)
	}
	if c.isDegraded() {
		return
	}
	val := "1"
	if articleID > 0 {
		val = strconv.FormatInt(articleID, 10)
	}
	if err := c.client.Set(ctx, c.key("url", hash), val, ProcessedURLTTL).Err(); err != nil {
		c.noteFailure(err)
	}
}

func (c *redisCache) AddRecentTitle(ctx context.Context, title string) {
	if c.fallback != nil {
		c.fallback.AddRecentTitle(ctx, title)
	}
	if c.isDegraded() {
		return
	}
	k := c.key("titles")
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, k, title)
	pipe.LTrim(ctx, k, 0, RecentTitlesMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		c.noteFailure(err)
	}
}

func (c *redisCache) RecentTitles(ctx context.Context, n int) []string {
	if n <= 0 || n > RecentTitlesMax {
		n = RecentTitlesMax
	}
	if c.isDegraded() {
		if c.fallback != nil {
			return c.fallback.RecentTitles(ctx, n)
		}
		return nil
	}
	titles, err := c.client.LRange(ctx, c.key("titles"), 0, int64(n-1)).Result()
	if err != nil {
		c.noteFailure(err)
		if c.fallback != nil {
			return c.fallback.RecentTitles(ctx, n)
		}
		return nil
	}
	return titles
}

// Healthy pings the backend and clears degraded mode on success. The
// orchestrator's maintenance loop calls this each sweep.
func (c *redisCache) Healthy(ctx context.Context) bool {
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.noteFailure(err)
		return false
	}
	c.noteRecovery()
	return true
}

func (c *redisCache) Close() error {
	if c.fallback != nil {
		if err := c.fallback.Close(); err != nil {
			return fmt.Errorf("closing fallback cache: %w", err)
		}
	}
	return c.client.Close()
}
