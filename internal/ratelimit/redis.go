package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Config holds the sliding window parameters
type Config struct {
	Limit  int
	Window time.Duration
	Prefix string
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Prefix == "" {
		c.Prefix = "ratelimit:"
	}
	return c
}

// RedisLimiter is a sliding window limiter shared by every instance that
// talks to the same redis. Each attempt is a sorted set member scored by its
// time; rejected attempts are removed again so they do not extend the block.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

// NewRedisLimiter creates a limiter on top of an existing client
func NewRedisLimiter(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// Allow records an attempt for key and reports whether it fits the window.
// When it does not, the returned duration is the time until the oldest attempt leaves the window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	nowMicro := now.UnixMicro()
	windowStart := nowMicro - l.cfg.Window.Microseconds()
	redisKey := l.cfg.Prefix + key
	member := strconv.FormatInt(nowMicro, 10) + "-" + uuid.NewString()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowMicro), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		oldest = pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
		pipe.PExpire(ctx, redisKey, l.cfg.Window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("redis: sliding window: %w", err)
	}

	if card.Val() <= int64(l.cfg.Limit) {
		return true, 0, nil
	}

	if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return false, 0, fmt.Errorf("redis: removing rejected attempt: %w", err)
	}

	retryAfter := l.cfg.Window
	if first := oldest.Val(); len(first) > 0 {
		leavesAt := time.UnixMicro(int64(first[0].Score)).Add(l.cfg.Window)
		retryAfter = leavesAt.Sub(now)
	}
	return false, clampRetry(retryAfter), nil
}

// clampRetry rounds retry hints up to whole seconds for Retry-After headers
func clampRetry(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return (d + time.Second - 1).Truncate(time.Second)
}
