package sso

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/hirebridge/pkg/extref"
)

// DefaultKeyTTL is how long a fetched public key is trusted
const DefaultKeyTTL = 24 * time.Hour

// KeyCache stores public keys by cache key
type KeyCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// CacheKey is the hex SHA-256 of the normalised domain URL
func CacheKey(domainURL string) string {
	sum := sha256.Sum256([]byte(extref.NormalizeDomain(domainURL)))
	return hex.EncodeToString(sum[:])
}

type cachedKey struct {
	text      string
	expiresAt time.Time
}

// MemoryKeyCache is a bounded in-process cache. Entries expire after the
// TTL given to Set, capped by the cache-wide TTL.
type MemoryKeyCache struct {
	lru *expirable.LRU[string, cachedKey]
	now func() time.Time
}

// NewMemoryKeyCache creates a cache holding up to size keys for at most maxTTL
func NewMemoryKeyCache(size int, maxTTL time.Duration) *MemoryKeyCache {
	if size <= 0 {
		size = 1024
	}
	if maxTTL <= 0 {
		maxTTL = DefaultKeyTTL
	}
	return &MemoryKeyCache{
		lru: expirable.NewLRU[string, cachedKey](size, nil, maxTTL),
		now: time.Now,
	}
}

func (c *MemoryKeyCache) Get(ctx context.Context, key string) (string, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return "", false
	}
	if !c.now().Before(entry.expiresAt) {
		c.lru.Remove(key)
		return "", false
	}
	return entry.text, true
}

func (c *MemoryKeyCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.lru.Add(key, cachedKey{text: value, expiresAt: c.now().Add(ttl)})
	return nil
}

// Len returns the number of cached keys
func (c *MemoryKeyCache) Len() int {
	return c.lru.Len()
}

const redisKeyPrefix = "hirebridge:pubkey:"

// RedisKeyCache shares keys between replicas
type RedisKeyCache struct {
	client *redis.Client
	prefix string
}

// NewRedisKeyCache wraps an existing client
func NewRedisKeyCache(client *redis.Client) *RedisKeyCache {
	return &RedisKeyCache{client: client, prefix: redisKeyPrefix}
}

// Get treats every Redis error as a miss
func (c *RedisKeyCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (c *RedisKeyCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache public key: %w", err)
	}
	return nil
}

// RedisOptions configures DialRedis
type RedisOptions struct {
	URL      string
	Password string
	DB       int
}

// DialRedis parses the URL, applies overrides and pings the server
func DialRedis(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if o.Password != "" {
		opts.Password = o.Password
	}
	if o.DB > 0 {
		opts.DB = o.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
