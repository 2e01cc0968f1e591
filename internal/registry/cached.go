package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CacheRegion is the named cache region holding expected configurations.
const CacheRegion = "expected-config"

const defaultCacheTTL = 30 * time.Second

// Cached coalesces concurrent fetches for the same coordinates and, when a
// Redis client is configured, keeps results for TTL. Cache failures fall back
// to the upstream client.
type Cached struct {
	upstream Client
	redis    *redis.Client
	ttl      time.Duration
	prefix   string
	group    singleflight.Group
	logger   *zap.Logger
}

func NewCached(upstream Client, client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{
		upstream: upstream,
		redis:    client,
		ttl:      ttl,
		prefix:   "driftline:" + CacheRegion + ":",
		logger:   logger,
	}
}

func (c *Cached) key(application, profile, label string) string {
	return c.prefix + application + ":" + profile + ":" + label
}

func (c *Cached) FetchConfig(ctx context.Context, application, profile, label string) (map[string]string, error) {
	key := c.key(application, profile, label)
	v, err, _ := c.group.Do(key, func() (any, error) {
		if cfg, ok := c.lookup(ctx, key); ok {
			return cfg, nil
		}
		cfg, err := c.upstream.FetchConfig(ctx, application, profile, label)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, cfg)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return copyMap(v.(map[string]string)), nil
}

func (c *Cached) lookup(ctx context.Context, key string) (map[string]string, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("config cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	var cfg map[string]string
	if err := json.Unmarshal(raw, &cfg); err != nil {
		c.logger.Warn("config cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return cfg, true
}

func (c *Cached) store(ctx context.Context, key string, cfg map[string]string) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("config cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops cached entries for an application, or the whole region when
// application is empty.
func (c *Cached) Invalidate(ctx context.Context, application string) error {
	if c.redis == nil {
		return nil
	}
	pattern := c.prefix + "*"
	if application != "" {
		pattern = c.prefix + escapeGlob(application) + ":*"
	}
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache region %s: %w", CacheRegion, err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}

func escapeGlob(s string) string {
	r := strings.NewReplacer("*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)
	return r.Replace(s)
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}
