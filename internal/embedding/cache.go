package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

// Cache stores vectors by key. Misses and errors are indistinguishable to
// callers; a cache never affects correctness.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vector []float32)
}

// CacheKey derives the cache key from the model and the normalized text.
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + domain.NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// TieredCache is a bounded in-process LRU in front of an optional Redis.
type TieredCache struct {
	local  *lru.Cache[string, []float32]
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

type CacheConfig struct {
	Size   int
	TTL    time.Duration
	Prefix string
}

// NewTieredCache builds the cache; rdb may be nil for a local-only cache.
func NewTieredCache(cfg CacheConfig, rdb *redis.Client, logger *slog.Logger) (*TieredCache, error) {
	size := cfg.Size
	if size <= 0 {
		size = 1024
	}
	local, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "kbagent:emb:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredCache{local: local, redis: rdb, prefix: prefix, ttl: ttl, logger: logger}, nil
}

func (c *TieredCache) Get(ctx context.Context, key string) ([]float32, bool) {
	if v, ok := c.local.Get(key); ok {
		return v, true
	}
	if c.redis == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("embedding cache read failed", "error", err)
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false
	}
	c.local.Add(key, vec)
	return vec, true
}

func (c *TieredCache) Set(ctx context.Context, key string, vector []float32) {
	c.local.Add(key, vector)
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("embedding cache write failed", "error", err)
	}
}
