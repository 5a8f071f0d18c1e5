package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerExclusive(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "branch:1:2024-03-04", time.Second, 0)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "branch:1:2024-03-04", time.Second, 0)
	assert.ErrorIs(t, err, ErrLockBusy)

	other, err := locker.Acquire(ctx, "branch:2:2024-03-04", time.Second, 0)
	require.NoError(t, err, "different keys do not contend")
	other()

	release()
	release()

	again, err := locker.Acquire(ctx, "branch:1:2024-03-04", time.Second, 0)
	require.NoError(t, err)
	again()
}

func TestLocalLockerWaits(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "k", time.Second, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	next, err := locker.Acquire(context.Background(), "k", time.Second, time.Second)
	require.NoError(t, err)
	next()
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "k", time.Second, 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locker.Acquire(ctx, "k", time.Second, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalLockerSerializes(t *testing.T) {
	locker := NewLocalLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "k", time.Second, 5*time.Second)
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
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestNewBookingLockerFallsBack(t *testing.T) {
	_, ok := NewBookingLocker(nil).(*LocalLocker)
	assert.True(t, ok)
}
