package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgraph-io/badger/v4"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

func newRedisLimiter(t *testing.T, cfg Config) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, cfg), mr
}

func newBadgerLimiter(t *testing.T, cfg Config) *BadgerLimiter {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerLimiter(db, cfg)
}

func TestLimiters_RejectOverLimit(t *testing.T) {
	cfg := Config{Limit: 3, Window: time.Minute}
	redisLimiter, _ := newRedisLimiter(t, cfg)

	limiters := map[string]limiter{
		"redis":  redisLimiter,
		"badger": newBadgerLimiter(t, cfg),
	}

	for name, l := range limiters {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				ok, _, err := l.Allow(ctx, "send:u1")
				require.NoError(t, err)
				require.True(t, ok, "attempt %d", i)
			}

			ok, retryAfter, err := l.Allow(ctx, "send:u1")
			require.NoError(t, err)
			require.False(t, ok)
			require.Greater(t, retryAfter, time.Duration(0))
			require.LessOrEqual(t, retryAfter, time.Minute)

			ok, _, err = l.Allow(ctx, "send:u2")
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestLimiters_ConcurrentAttemptsAreExact(t *testing.T) {
	cfg := Config{Limit: 10, Window: time.Minute}
	redisLimiter, _ := newRedisLimiter(t, cfg)

	limiters := map[string]limiter{
		"redis":  redisLimiter,
		"badger": newBadgerLimiter(t, cfg),
	}

	for name, l := range limiters {
		t.Run(name, func(t *testing.T) {
			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, _, err := l.Allow(context.Background(), "send:burst")
					if err == nil && ok {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(10), allowed.Load())
		})
	}
}

func TestRedisLimiter_WindowSlides(t *testing.T) {
	l, _ := newRedisLimiter(t, Config{Limit: 2, Window: time.Minute})
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return start }
	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
	}

	l.now = func() time.Time { return start.Add(45 * time.Second) }
	ok, retryAfter, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 15*time.Second, retryAfter)

	l.now = func() time.Time { return start.Add(61 * time.Second) }
	ok, _, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLimiter_RejectedAttemptsDoNotCount(t *testing.T) {
	l, mr := newRedisLimiter(t, Config{Limit: 1, Window: time.Minute, Prefix: "rl:"})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := l.Allow(ctx, "k")
		require.NoError(t, err)
	}

	members, err := mr.ZMembers("rl:k")
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestBadgerLimiter_IgnoresAttemptsOutsideWindow(t *testing.T) {
	l := newBadgerLimiter(t, Config{Limit: 1, Window: time.Hour})
	ctx := context.Background()

	start := time.Now()
	l.now = func() time.Time { return start }
	ok, _, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	l.now = func() time.Time { return start.Add(30 * time.Minute) }
	ok, retryAfter, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 30*time.Minute, retryAfter)

	l.now = func() time.Time { return start.Add(time.Hour + time.Second) }
	ok, _, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClampRetry(t *testing.T) {
	require.Equal(t, time.Second, clampRetry(0))
	require.Equal(t, time.Second, clampRetry(-time.Second))
	require.Equal(t, 2*time.Second, clampRetry(1500*time.Millisecond))
	require.Equal(t, 3*time.Second, clampRetry(3*time.Second))
}
