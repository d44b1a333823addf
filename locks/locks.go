// Package locks provides the per-account mutex that keeps two syncs of the
// same (user, platform) from running at once.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"game-library-sync/logging"
)

var (
	// ErrNotAcquired means another holder owns the key.
	ErrNotAcquired = errors.New("lock held by another owner")
	// ErrLeaseLost means the lease expired or was force-released.
	ErrLeaseLost = errors.New("lock lease lost")
)

// Locker acquires expiring leases on keys. Acquisition is an atomic
// conditional set; release and renewal only succeed for the current holder.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// ForceRelease drops the key regardless of holder. Used by the stale-run sweeper.
	ForceRelease(ctx context.Context, key string) error
}

type Lease interface {
	Key() string
	Renew(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// SyncKey is the lock key of one (user, platform) sync.
func SyncKey(userID, platform string) string {
	return fmt.Sprintf("library-sync:%s:%s", userID, platform)
}

// WithLock runs fn while holding key. The lease is renewed every ttl/3 and
// released when fn returns. If renewal fails, fn's context is cancelled.
func WithLock(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := locker.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(runCtx, lease, ttl, cancel)
	}()

	defer func() {
		cancel()
		<-done
		// Release with a fresh context so a cancelled caller still frees the key.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := lease.Release(releaseCtx); err != nil && !errors.Is(err, ErrLeaseLost) {
			logging.Warn().Err(err).Str("key", key).Msg("[LOCK] Failed to release lease")
		}
	}()

	return fn(runCtx)
}

func keepAlive(ctx context.Context, lease Lease, ttl time.Duration, cancel context.CancelFunc) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Renew(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.Error().Err(err).Str("key", lease.Key()).Msg("[LOCK] Lease renewal failed, cancelling holder")
				cancel()
				return
			}
		}
	}
}
