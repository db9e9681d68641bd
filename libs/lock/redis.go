package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is currently held elsewhere.
var ErrNotAcquired = errors.New("lock not acquired")

// RedisLocker hands out per-key mutexes backed by Redis, so serialization
// keys (e.g. one calendar connection) hold across service instances.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// Release must compare the token so an expired holder cannot delete a lock
// re-acquired by someone else.
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisLocker(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Lease is a held lock. Release it when done; it also self-expires at TTL.
type Lease struct {
	locker *RedisLocker
	key    string
	token  string
}

// TryAcquire attempts to take the lock once, returning ErrNotAcquired if held.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.prefix+":"+key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{locker: l, key: l.prefix + ":" + key, token: token}, nil
}

// Acquire blocks (polling) until the lock is taken or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (*Lease, error) {
	for {
		lease, err := l.TryAcquire(ctx, key)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (le *Lease) Release(ctx context.Context) error {
	_, err := redisReleaseScript.Run(ctx, le.locker.rdb, []string{le.key}, le.token).Result()
	return err
}

// ReadyCheck pings Redis for /readyz.
func ReadyCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return errors.New("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
