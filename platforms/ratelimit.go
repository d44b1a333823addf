package platforms

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"game-library-sync/models"
)

// Limit configures pacing for one platform. A zero DailyQuota means unlimited.
type Limit struct {
	RequestsPerSecond float64
	Burst             int
	DailyQuota        int64
}

// RateLimiter paces outbound requests per platform and counts them against a
// daily quota. One instance lives for the process and is passed into every
// adapter call; the scheduler calls Reset once a day. A nil *RateLimiter
// allows everything.
type RateLimiter struct {
	mu       sync.Mutex
	limits   map[models.Platform]Limit
	limiters map[models.Platform]*rate.Limiter
	counts   map[models.Platform]int64
}

func NewRateLimiter(limits map[models.Platform]Limit) *RateLimiter {
	l := &RateLimiter{
		limits:   make(map[models.Platform]Limit, len(limits)),
		limiters: make(map[models.Platform]*rate.Limiter, len(limits)),
		counts:   make(map[models.Platform]int64),
	}
	for p, lim := range limits {
		l.limits[p] = lim
		if lim.RequestsPerSecond > 0 {
			burst := lim.Burst
			if burst < 1 {
				burst = 1
			}
			l.limiters[p] = rate.NewLimiter(rate.Limit(lim.RequestsPerSecond), burst)
		}
	}
	return l
}

// Wait blocks until a request to p may be sent. It fails with KindRateLimited
// once the daily quota is spent.
func (l *RateLimiter) Wait(ctx context.Context, p models.Platform) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	quota := l.limits[p].DailyQuota
	if quota > 0 && l.counts[p] >= quota {
		l.mu.Unlock()
		return NewError(p, KindRateLimited, "request", fmt.Errorf("daily quota of %d requests spent", quota))
	}
	l.counts[p]++
	limiter := l.limiters[p]
	l.mu.Unlock()

	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return NewError(p, KindNetwork, "request", err)
	}
	return nil
}

// Reset clears the request counters.
func (l *RateLimiter) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.counts = make(map[models.Platform]int64)
	l.mu.Unlock()
}

// Counts returns a snapshot of requests sent since the last Reset.
func (l *RateLimiter) Counts() map[models.Platform]int64 {
	out := make(map[models.Platform]int64)
	if l == nil {
		return out
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for p, n := range l.counts {
		out[p] = n
	}
	return out
}
