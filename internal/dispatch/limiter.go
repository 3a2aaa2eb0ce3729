package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a per-channel send budget. Reserve returns zero when a
// send may happen at now, or how long to wait otherwise. A positive wait
// consumes no budget.
type Limiter interface {
	Reserve(ctx context.Context, channel string, now time.Time) (time.Duration, error)
}

// LocalLimiter is an in-process token bucket per channel.
type LocalLimiter struct {
	mu       sync.Mutex
	perMin   map[string]int
	limiters map[string]*rate.Limiter
}

// NewLocalLimiter builds buckets refilling perMinute[channel] tokens a
// minute with a burst of the same size. Channels without a positive budget
// are not limited.
func NewLocalLimiter(perMinute map[string]int) *LocalLimiter {
	return &LocalLimiter{
		perMin:   perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) limiter(channel string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[channel]; ok {
		return lim
	}
	n := l.perMin[channel]
	if n <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	l.limiters[channel] = lim
	return lim
}

// Reserve implements Limiter.
func (l *LocalLimiter) Reserve(_ context.Context, channel string, now time.Time) (time.Duration, error) {
	lim := l.limiter(channel)
	if lim == nil {
		return 0, nil
	}
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, nil
	}
	return 0, nil
}

type unlimited struct{}

func (unlimited) Reserve(context.Context, string, time.Time) (time.Duration, error) { return 0, nil }
