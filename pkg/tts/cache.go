package tts

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/config"
)

// Cache stores synthesized audio by content key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, pcm []byte, ttl time.Duration) error
}

// MemoryCache is a bounded LRU used when no Redis is configured.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List
	items      map[string]*list.Element
	now        func() time.Time
}

type memoryEntry struct {
	key       string
	pcm       []byte
	expiresAt time.Time
}

// NewMemoryCache creates an LRU holding at most maxEntries utterances.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &MemoryCache{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

// Get returns a copy of the cached audio.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		return nil, false, nil
	}
	c.ll.MoveToFront(el)
	return append([]byte(nil), entry.pcm...), true, nil
}

// Set stores audio, evicting the least recently used entry when full.
func (c *MemoryCache) Set(_ context.Context, key string, pcm []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	stored := append([]byte(nil), pcm...)

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.pcm = stored
		entry.expiresAt = expiresAt
		c.ll.MoveToFront(el)
		return nil
	}

	c.items[key] = c.ll.PushFront(&memoryEntry{key: key, pcm: stored, expiresAt: expiresAt})
	for c.ll.Len() > c.maxEntries {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*memoryEntry).key)
	}
	return nil
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// RedisCache shares synthesized audio between engine processes.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *logrus.Logger
}

// NewRedisCache connects to the Redis URL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL, keyPrefix string, logger *logrus.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"address":    opts.Addr,
		"database":   opts.DB,
		"key_prefix": keyPrefix,
	}).Info("Redis TTS cache initialized")

	return &RedisCache{client: client, keyPrefix: keyPrefix, logger: logger}, nil
}

// Get loads audio from Redis.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	pcm, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return pcm, true, nil
}

// Set stores audio in Redis with a TTL.
func (r *RedisCache) Set(ctx context.Context, key string, pcm []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, pcm, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// NewCache picks Redis when configured and reachable, otherwise memory.
// A nil result means caching is disabled.
func NewCache(ctx context.Context, cfg config.CacheConfig, logger *logrus.Logger) Cache {
	if !cfg.Enabled {
		return nil
	}
	if cfg.RedisURL != "" {
		rc, err := NewRedisCache(ctx, cfg.RedisURL, cfg.KeyPrefix, logger)
		if err == nil {
			return rc
		}
		logger.WithError(err).Warn("Redis TTS cache unavailable, using in-memory cache")
	}
	return NewMemoryCache(cfg.MaxEntries)
}
