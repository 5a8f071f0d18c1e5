package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrLockBusy is returned when a lock could not be taken within the wait budget.
var ErrLockBusy = errors.New("resource is locked by another booking, try again")

const lockRetryInterval = 50 * time.Millisecond

// BookingLocker serializes writes that must not race, such as two bookings for the
// same branch and day. release is safe to call more than once.
type BookingLocker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (release func(), err error)
}

// NewBookingLocker uses Redis when it is connected and an in-process lock otherwise.
func NewBookingLocker(client *redis.Client) BookingLocker {
	if client == nil {
		logrus.Warn("Redis unavailable, booking locks are process-local")
		return NewLocalLocker()
	}
	return &RedisLocker{client: client, prefix: "ekls:lock:"}
}

// RedisLocker is a single-instance Redis lock: SET NX PX with a random token and a
// compare-and-delete on release.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					if err := releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
						logrus.WithError(err).WithField("lock", fullKey).Warn("Failed to release booking lock")
					}
				})
			}, nil
		}

		if !time.Now().Add(lockRetryInterval).Before(deadline) {
			return nil, ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// LocalLocker is the fallback for a single API instance without Redis.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

// Acquire ignores ttl: the holder always releases.
func (l *LocalLocker) Acquire(ctx context.Context, key string, _, wait time.Duration) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	release := func() func() {
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }
	}

	select {
	case slot <- struct{}{}:
		return release(), nil
	default:
	}
	if wait <= 0 {
		return nil, ErrLockBusy
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case slot <- struct{}{}:
		return release(), nil
	case <-timer.C:
		return nil, ErrLockBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
