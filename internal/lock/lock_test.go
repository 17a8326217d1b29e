package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercisesMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var inside, peak, total int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "conv-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&total, 1)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
	assert.Equal(t, int32(10), total)
}

func TestLocalMutualExclusion(t *testing.T) {
	l := NewLocal()
	exercisesMutualExclusion(t, l)
	assert.Equal(t, 0, l.size(), "idle keys are dropped")
}

func TestLocalTimeout(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "b")
	require.NoError(t, err, "keys are independent")
	other()

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, l.size())
}

func newRedisLock(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, RedisOptions{TTL: ttl, Retry: time.Millisecond}), mr
}

func TestRedisMutualExclusion(t *testing.T) {
	l, mr := newRedisLock(t, 5*time.Second)
	exercisesMutualExclusion(t, l)
	assert.False(t, mr.Exists(keyPrefix+"conv-1"))
}

func TestRedisTimeoutAndLease(t *testing.T) {
	l, mr := newRedisLock(t, time.Second)
	unlock, err := l.Lock(context.Background(), "conv-2")
	require.NoError(t, err)
	assert.True(t, mr.Exists(keyPrefix+"conv-2"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "conv-2")
	assert.ErrorIs(t, err, ErrNotAcquired)

	// The lease expires and a second holder takes over.
	mr.FastForward(2 * time.Second)
	second, err := l.Lock(context.Background(), "conv-2")
	require.NoError(t, err)
	token, err := mr.Get(keyPrefix + "conv-2")
	require.NoError(t, err)

	// The first holder's late unlock must not release the new lease.
	unlock()
	got, err := mr.Get(keyPrefix + "conv-2")
	require.NoError(t, err)
	assert.Equal(t, token, got)

	second()
	assert.False(t, mr.Exists(keyPrefix+"conv-2"))
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := DialRedis(context.Background(), "redis://"+mr.Addr(), RedisOptions{})
	require.NoError(t, err)
	defer l.Close()
	unlock, err := l.Lock(context.Background(), "x")
	require.NoError(t, err)
	unlock()

	_, err = DialRedis(context.Background(), "not-a-url", RedisOptions{})
	assert.Error(t, err)
}
