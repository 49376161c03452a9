package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLock_KeyIsNamespaced(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	lock := NewRedisLock(client, "dedup_prune", time.Minute)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// The lock must not collide with queue or dedup keys sharing the DB.
	assert.True(t, mr.Exists("mailflow:lock:dedup_prune"))
}

func TestRedisLock_AcquireAndRelease(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "pruner", time.Minute)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second holder cannot acquire while the first owns it.
	other := NewRedisLock(client, "pruner", time.Minute)
	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx))

	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ReleaseOnlyWhenOwned(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	holder := NewRedisLock(client, "pruner", time.Minute)
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-owner release must not free the holder's lock.
	imposter := NewRedisLock(client, "pruner", time.Minute)
	require.NoError(t, imposter.Release(ctx))

	ok, err = imposter.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lock should still be held after non-owner release")
}
