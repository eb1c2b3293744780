package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisAdapter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisAdapter(client)
}

func TestRedisNextBillNumber(t *testing.T) {
	_, adapter := newTestRedis(t)
	ctx := context.Background()

	first, err := adapter.NextBillNumber(ctx)
	require.NoError(t, err)
	second, err := adapter.NextBillNumber(ctx)
	require.NoError(t, err)

	assert.Equal(t, "INV-000001", first)
	assert.Equal(t, "INV-000002", second)
}

func TestRedisNextBillNumber_Floor(t *testing.T) {
	mr, adapter := newTestRedis(t)
	adapter.WithSequenceFloor(41)
	ctx := context.Background()

	n, err := adapter.NextBillNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV-000042", n)

	n, err = adapter.NextBillNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INV-000043", n)

	v, err := mr.Get(billSequenceKey)
	require.NoError(t, err)
	assert.Equal(t, "43", v)
}

func TestRedisNextBillNumber_Concurrent(t *testing.T) {
	_, adapter := newTestRedis(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := adapter.NextBillNumber(ctx)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestRedisClaim(t *testing.T) {
	mr, adapter := newTestRedis(t)
	ctx := context.Background()

	ok, err := adapter.Claim(ctx, "bill:req-1")
	require.NoError(t, err)
	assert.True(t, ok, "first claim should succeed")

	ok, err = adapter.Claim(ctx, "bill:req-1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim should fail")

	assert.True(t, mr.Exists(idempotencyKeyPrefix+"bill:req-1"))
	assert.Equal(t, idempotencyKeyTTL, mr.TTL(idempotencyKeyPrefix+"bill:req-1"))
}

func TestRedisRelease(t *testing.T) {
	_, adapter := newTestRedis(t)
	ctx := context.Background()

	_, err := adapter.Claim(ctx, "bill:req-2")
	require.NoError(t, err)
	require.NoError(t, adapter.Release(ctx, "bill:req-2"))

	ok, err := adapter.Claim(ctx, "bill:req-2")
	require.NoError(t, err)
	assert.True(t, ok, "released key can be claimed again")
}

func TestRedisClaim_Concurrent(t *testing.T) {
	_, adapter := newTestRedis(t)
	ctx := context.Background()

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.Claim(ctx, "bill:concurrent")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successCount.Load(), "only one claim may win")
}

func TestRedisClaim_Unavailable(t *testing.T) {
	mr, adapter := newTestRedis(t)
	mr.Close()

	_, err := adapter.Claim(context.Background(), "bill:down")
	assert.Error(t, err)
}
