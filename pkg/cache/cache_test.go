package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ontogate/pkg/types"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, types.Cache) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client, nil)
	t.Cleanup(func() { c.Close() })
	return mr, c
}

func backends(t *testing.T) map[string]func(t *testing.T) (types.Cache, *miniredis.Miniredis) {
	return map[string]func(t *testing.T) (types.Cache, *miniredis.Miniredis){
		"memory": func(t *testing.T) (types.Cache, *miniredis.Miniredis) {
			c := NewMemoryCache(0)
			t.Cleanup(func() { c.Close() })
			return c, nil
		},
		"redis": func(t *testing.T) (types.Cache, *miniredis.Miniredis) {
			mr, c := newTestRedis(t)
			return c, mr
		},
	}
}

func TestCacheSetGetDelete(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, _ := open(t)
			ctx := context.Background()

			_, found, err := c.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, c.Set(ctx, "branch_state:main", "ACTIVE", 0))

			value, found, err := c.Get(ctx, "branch_state:main")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "ACTIVE", value)

			require.NoError(t, c.Delete(ctx, "branch_state:main"))
			_, found, err = c.Get(ctx, "branch_state:main")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, mr := open(t)
			ctx := context.Background()

			require.NoError(t, c.Set(ctx, "ephemeral", "x", 50*time.Millisecond))

			_, found, err := c.Get(ctx, "ephemeral")
			require.NoError(t, err)
			assert.True(t, found)

			if mr != nil {
				mr.FastForward(100 * time.Millisecond)
			} else {
				time.Sleep(100 * time.Millisecond)
			}

			_, found, err = c.Get(ctx, "ephemeral")
			require.NoError(t, err)
			assert.False(t, found, "entry should expire after TTL")
		})
	}
}

func TestCacheSetNX(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, _ := open(t)
			ctx := context.Background()

			won, err := c.SetNX(ctx, "branch_lock:abc", "holder-1", time.Minute)
			require.NoError(t, err)
			assert.True(t, won)

			won, err = c.SetNX(ctx, "branch_lock:abc", "holder-2", time.Minute)
			require.NoError(t, err)
			assert.False(t, won, "second writer must lose")

			value, found, err := c.Get(ctx, "branch_lock:abc")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "holder-1", value)
		})
	}
}

func TestCacheExpireExtendsTTL(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, mr := open(t)
			ctx := context.Background()

			require.NoError(t, c.Set(ctx, "k", "v", 50*time.Millisecond))
			require.NoError(t, c.Expire(ctx, "k", time.Minute))

			if mr != nil {
				mr.FastForward(200 * time.Millisecond)
			} else {
				time.Sleep(100 * time.Millisecond)
			}

			_, found, err := c.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found, "extended entry should survive the original TTL")
		})
	}
}

func TestMemoryCacheSweep(t *testing.T) {
	c := NewMemoryCache(20 * time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", 10*time.Millisecond))
	require.NoError(t, c.Set(ctx, "b", "2", 0))

	time.Sleep(60 * time.Millisecond)

	c.mu.RLock()
	_, hasA := c.entries["a"]
	_, hasB := c.entries["b"]
	c.mu.RUnlock()

	assert.False(t, hasA, "sweep should remove expired entry")
	assert.True(t, hasB, "sweep must keep entries without TTL")
}
