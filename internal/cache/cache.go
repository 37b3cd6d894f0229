// Package cache fronts provider responses so repeated sweeps inside a TTL
// window do not re-spend upstream quota. Redis backs it when an address is
// configured; otherwise an in-process map serves the same interface.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores opaque response payloads under string keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

// Config selects the backend.
type Config struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "candlekeep"
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 500 * time.Millisecond
	}
	return c
}

// New builds a Redis-backed cache when an address is configured and the
// in-memory fallback otherwise.
func New(cfg Config) Cache {
	cfg = cfg.withDefaults()
	if cfg.RedisAddr == "" {
		return NewMemory()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedis(client, cfg.KeyPrefix, cfg.OpTimeout)
}

type memoryEntry struct {
	val []byte
	exp time.Time
}

// Memory is the in-process fallback. Expiry is lazy, checked on Get.
type Memory struct {
	mu sync.Mutex
	m  map[string]memoryEntry
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]memoryEntry)}
}

func (c *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(c.m, key)
		return nil, false
	}
	return e.val, true
}

func (c *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
}

// Ping always succeeds; the fallback has no remote dependency.
func (c *Memory) Ping(context.Context) error { return nil }

// Redis adapts a go-redis client. Cache operations are best-effort: failures
// degrade to misses, never to errors.
type Redis struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

func NewRedis(client *redis.Client, prefix string, opTimeout time.Duration) *Redis {
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	return &Redis{client: client, prefix: prefix, opTimeout: opTimeout}
}

func (c *Redis) key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	_ = c.client.Set(ctx, c.key(key), val, ttl).Err()
}

// Ping verifies the Redis connection for health checks.
func (c *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}
