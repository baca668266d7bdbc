//go:build integration

package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/kbagent/internal/testutil"
)

func TestTieredCache_SharedThroughRedis(t *testing.T) {
	ctx := context.Background()
	rc := testutil.NewRedisContainer(ctx, t)
	defer rc.Terminate(ctx)

	rdb := redis.NewClient(&redis.Options{Addr: rc.Addr()})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(ctx).Err())

	cfg := CacheConfig{Size: 8, TTL: time.Minute, Prefix: "test:emb:"}
	writer, err := NewTieredCache(cfg, rdb, nil)
	require.NoError(t, err)
	reader, err := NewTieredCache(cfg, rdb, nil)
	require.NoError(t, err)

	key := CacheKey("text-embedding-3-small", "How do I reset my password?")
	writer.Set(ctx, key, []float32{0.1, 0.2, 0.3})

	got, ok := reader.Get(ctx, key)
	require.True(t, ok, "second process should see the vector through redis")
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got)

	ttl, err := rdb.TTL(ctx, "test:emb:"+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	_, ok = reader.Get(ctx, CacheKey("text-embedding-3-small", "unknown"))
	assert.False(t, ok)
}
