package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a Redis lock cannot be acquired before
// the wait deadline.
var ErrLockTimeout = errors.New("lock wait timed out")

const (
	defaultTTL    = 30 * time.Second
	defaultWait   = 10 * time.Second
	defaultPoll   = 25 * time.Millisecond
	defaultPrefix = "lifeflow:lock:"
)

// releaseScript deletes the key only when it still holds our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a distributed lock over SET NX PX.
//
// The TTL bounds how long a crashed holder can block others; it must
// exceed the longest advancement transaction.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the lock expiry. Default: 30s.
func WithTTL(d time.Duration) RedisOption {
	return func(r *RedisLocker) { r.ttl = d }
}

// WithWait sets how long Lock retries before ErrLockTimeout. Default: 10s.
func WithWait(d time.Duration) RedisOption {
	return func(r *RedisLocker) { r.wait = d }
}

// WithPrefix sets the Redis key prefix. Default: "lifeflow:lock:".
func WithPrefix(p string) RedisOption {
	return func(r *RedisLocker) { r.prefix = p }
}

// NewRedisLocker creates a locker over client.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	r := &RedisLocker{
		client: client,
		prefix: defaultPrefix,
		ttl:    defaultTTL,
		wait:   defaultWait,
		poll:   defaultPoll,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock acquires key, polling until the wait deadline or ctx is done.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	rkey := r.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	for {
		ok, err := r.client.SetNX(ctx, rkey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.poll):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled.
			if err := releaseScript.Run(context.Background(), r.client, []string{rkey}, token).Err(); err != nil {
				slog.Warn("redis lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}
