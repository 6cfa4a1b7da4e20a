package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "instance:a")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.Held())
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := l.Lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestLocal_ContextCancelled(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, l.Held())
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedisLocker(client, WithPrefix("test:"))
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "instance:a")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:instance:a"))
	ttl := mr.TTL("test:instance:a")
	assert.Equal(t, defaultTTL, ttl)

	unlock()
	assert.False(t, mr.Exists("test:instance:a"))
}

func TestRedisLocker_Contention(t *testing.T) {
	_, client := newRedis(t)
	l := NewRedisLocker(client, WithWait(50*time.Millisecond))
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "a")
	require.NoError(t, err)

	_, err = l.Lock(ctx, "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))

	unlock()
	unlock2, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	unlock2()
}

func TestRedisLocker_ExpiredLockNotReleasedByOldHolder(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedisLocker(client, WithTTL(time.Second), WithPrefix("p:"))
	ctx := context.Background()

	unlockOld, err := l.Lock(ctx, "a")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("p:a"))

	unlockNew, err := l.Lock(ctx, "a")
	require.NoError(t, err)

	unlockOld()
	assert.True(t, mr.Exists("p:a"), "stale release must not delete the new holder's key")

	unlockNew()
	assert.False(t, mr.Exists("p:a"))
}
