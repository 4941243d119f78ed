package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real Redis when REDIS_TEST_URL is set
func redisStore(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	client, err := Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client)
}

func TestRedisIncrAndClaim(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	n, err := s.Incr(ctx, key, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.Incr(ctx, key, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err := s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLock(t *testing.T) {
	s := redisStore(t)
	key := "test:" + uuid.NewString()

	unlock, err := s.Lock(context.Background(), key, 5*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	again, err := s.Lock(context.Background(), key, 5*time.Second)
	require.NoError(t, err)
	again()
}

func TestRedisLockWaitIsBoundedByTTL(t *testing.T) {
	s := redisStore(t)
	key := "test:" + uuid.NewString()

	unlock, err := s.Lock(context.Background(), key, 5*time.Second)
	require.NoError(t, err)
	defer unlock()

	start := time.Now()
	_, err = s.Lock(context.Background(), key, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)
}
