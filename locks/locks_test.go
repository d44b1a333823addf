package locks

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	lease, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lease.Renew(ctx, time.Minute))
	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Release(ctx), ErrLeaseLost)

	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	locker := NewMemoryLocker()
	locker.now = func() time.Time { return now }

	old, err := locker.Acquire(ctx, "k", 10*time.Minute)
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	assert.False(t, locker.Held("k"))
	_, err = locker.Acquire(ctx, "k", 10*time.Minute)
	require.NoError(t, err)

	// The expired holder can neither renew nor release the new holder's lock.
	assert.ErrorIs(t, old.Renew(ctx, time.Minute), ErrLeaseLost)
	assert.ErrorIs(t, old.Release(ctx), ErrLeaseLost)
	assert.True(t, locker.Held("k"))
}

func TestMemoryLocker_ForceRelease(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	lease, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, locker.ForceRelease(ctx, "k"))
	assert.False(t, locker.Held("k"))
	assert.ErrorIs(t, lease.Renew(ctx, time.Minute), ErrLeaseLost)
}

func TestWithLock_AtMostOneHolder(t *testing.T) {
	locker := NewMemoryLocker()
	var running, maxRunning, acquired int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(context.Background(), locker, SyncKey("u1", "steam"), time.Minute, func(ctx context.Context) error {
				atomic.AddInt32(&acquired, 1)
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			if err != nil {
				assert.ErrorIs(t, err, ErrNotAcquired)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&acquired), int32(1))
	assert.False(t, locker.Held(SyncKey("u1", "steam")))
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	locker := NewMemoryLocker()
	boom := errors.New("boom")
	err := WithLock(context.Background(), locker, "k", time.Minute, func(ctx context.Context) error {
		assert.True(t, locker.Held("k"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, locker.Held("k"))
}

func TestWithLock_CancelsWhenLeaseLost(t *testing.T) {
	locker := NewMemoryLocker()
	err := WithLock(context.Background(), locker, "k", 30*time.Millisecond, func(ctx context.Context) error {
		require.NoError(t, locker.ForceRelease(context.Background(), "k"))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return errors.New("holder was not cancelled")
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	locker := NewRedisLocker(client, "test:")
	key := SyncKey("redis-user", "steam")
	_ = locker.ForceRelease(ctx, key)

	lease, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)
	require.NoError(t, lease.Renew(ctx, time.Minute))
	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Release(ctx), ErrLeaseLost)
}
