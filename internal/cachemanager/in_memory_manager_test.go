package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryCacheManager_SetGet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)

	_, found := c.Get(ctx, "missing")
	require.False(t, found)

	c.Set(ctx, "answer", 42, time.Minute)
	got, found := c.Get(ctx, "answer")
	require.True(t, found)
	require.Equal(t, 42, got)
}

func TestInMemoryCacheManager_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, "short", "lived", 20*time.Millisecond)
	_, found := c.Get(ctx, "short")
	require.True(t, found)

	require.Eventually(t, func() bool {
		_, found := c.Get(ctx, "short")
		return !found
	}, time.Second, 10*time.Millisecond)
}

func TestInMemoryCacheManager_GetWithRefresh(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, "key", "value", 50*time.Millisecond)

	// Refreshing extends the ttl past the original expiry.
	got, found := c.GetWithRefresh(ctx, "key", time.Minute)
	require.True(t, found)
	require.Equal(t, "value", got)

	time.Sleep(80 * time.Millisecond)
	_, found = c.Get(ctx, "key")
	require.True(t, found)

	_, found = c.GetWithRefresh(ctx, "missing", time.Minute)
	require.False(t, found)
}

func TestInMemoryCacheManager_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)
	require.NoError(t, c.Delete(ctx, "a", "b"))

	_, found := c.Get(ctx, "a")
	require.False(t, found)
	_, found = c.Get(ctx, "b")
	require.False(t, found)
}

func TestInMemoryCacheManager_Flush(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)
	require.NoError(t, c.Flush(ctx))

	_, found := c.Get(ctx, "a")
	require.False(t, found)
}

type personaKey string

func TestInMemoryCacheManager_TypedKeys(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[personaKey, string]("personas", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, personaKey("implementer"), "prompt", time.Minute)
	got, found := c.Get(ctx, personaKey("implementer"))
	require.True(t, found)
	require.Equal(t, "prompt", got)
}
