package coord

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockLost is returned by Release when the lease had already expired and
// the key no longer carries the caller's token.
var ErrLockLost = errors.New("lock lost before release")

// Lock is a held mutual-exclusion lease.
type Lock struct {
	Key   string
	Token string
	Lease time.Duration
}

// Locker grants exclusive, auto-expiring leases on string keys.
//
// TryAcquire blocks for at most wait and returns a nil Lock (and nil error)
// when the key stays taken. A wait of zero makes a single attempt.
type Locker interface {
	TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (*Lock, error)
	Release(ctx context.Context, lock *Lock) error
}

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release.
type RedisLocker struct {
	rdb      redis.Cmdable
	minRetry time.Duration
	maxRetry time.Duration
}

// NewRedisLocker returns a Locker polling every 10ms, backing off to 100ms.
func NewRedisLocker(rdb redis.Cmdable) *RedisLocker {
	return &RedisLocker{rdb: rdb, minRetry: 10 * time.Millisecond, maxRetry: 100 * time.Millisecond}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, wait, lease time.Duration) (*Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	backoff := l.minRetry
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{Key: key, Token: token, Lease: lease}, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := min(backoff, remaining)
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, l.maxRetry)
	}
}

func (l *RedisLocker) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, l.rdb, []string{lock.Key}, lock.Token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
