package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum sends allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the oldest send leaves the window.
	// Zero when allowed.
	RetryAfter time.Duration
}

// RateLimiter implements sliding window rate limiting using Redis.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow checks if a send is allowed under the rate limit.
// Uses sliding window algorithm with Redis sorted sets for accuracy.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n sends are allowed under the rate limit. Denied calls
// record nothing.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)

	redisKey := fmt.Sprintf("jellycast:ratelimit:%s", key)

	pipe := r.client.rdb.Pipeline()

	// Remove entries outside the window
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	currentCount := int(countCmd.Val())
	remaining := r.config.Limit - currentCount

	if currentCount+n > r.config.Limit {
		retryAfter := r.config.Window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			retryAfter = time.Unix(0, int64(oldest[0].Score)).Add(r.config.Window).Sub(now)
		}
		retryAfter = max(retryAfter, time.Millisecond)

		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", currentCount),
			zap.Int("limit", r.config.Limit),
			zap.Duration("retry_after", retryAfter),
		)
		return &RateLimitResult{
			Allowed:    false,
			Remaining:  max(0, remaining),
			RetryAfter: retryAfter,
		}, nil
	}

	pipe2 := r.client.rdb.Pipeline()
	for i := 0; i < n; i++ {
		score := float64(now.UnixNano()) + float64(i)
		member := fmt.Sprintf("%d-%d", now.UnixNano(), i)
		pipe2.ZAdd(ctx, redisKey, redis.Z{Score: score, Member: member})
	}
	pipe2.Expire(ctx, redisKey, r.config.Window+time.Second)

	if _, err := pipe2.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: remaining - n,
	}, nil
}

// ChannelLimiter is a per-channel send budget shared by every instance
// pointed at the same Redis.
type ChannelLimiter struct {
	client    *Client
	logger    *zap.Logger
	perMinute map[string]int

	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

// NewChannelLimiter builds a limiter allowing perMinute[channel] sends per
// minute. Channels without a positive budget are not limited.
func NewChannelLimiter(client *Client, logger *zap.Logger, perMinute map[string]int) *ChannelLimiter {
	return &ChannelLimiter{
		client:    client,
		logger:    logger,
		perMinute: perMinute,
		limiters:  make(map[string]*RateLimiter),
	}
}

func (c *ChannelLimiter) limiter(channel string) *RateLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rl, ok := c.limiters[channel]; ok {
		return rl
	}
	n := c.perMinute[channel]
	if n <= 0 {
		return nil
	}
	rl := NewRateLimiter(c.client, c.logger, RateLimitConfig{Limit: n, Window: time.Minute})
	c.limiters[channel] = rl
	return rl
}

// Reserve records a send for channel when the budget allows and returns
// zero, otherwise it returns how long to wait.
func (c *ChannelLimiter) Reserve(ctx context.Context, channel string, _ time.Time) (time.Duration, error) {
	rl := c.limiter(channel)
	if rl == nil {
		return 0, nil
	}
	res, err := rl.Allow(ctx, "channel:"+channel)
	if err != nil {
		return 0, err
	}
	if res.Allowed {
		return 0, nil
	}
	return res.RetryAfter, nil
}
