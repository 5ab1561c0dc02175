package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, capacity int) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, 0, time.Minute), mr
}

func TestTokenBucket_ExhaustsCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 2)

	d, err := bucket.Allow(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 1, d.Remaining)

	d, err = bucket.Allow(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = bucket.Allow(ctx, "ops")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "third request should be rejected")

	// Refill cannot be exercised with FastForward: the script is given time
	// from the Go side, not from the Redis clock.
}

func TestTokenBucket_ClientsAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newTestBucket(t, 1)

	d, err := bucket.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = bucket.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.True(t, mr.Exists(keyPrefix+"a"))
	assert.Greater(t, mr.TTL(keyPrefix+"a"), time.Duration(0))
}
