// Package ratelimit implements a sliding-window request limiter backed by a
// Redis sorted set. The limiter fails open: if Redis is unreachable the
// request is allowed, on the grounds that dropping traffic because the
// limiter's backing store is down is worse than briefly not limiting.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func New(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, limit: limit, window: window}
}

func (l *Limiter) Limit() int { return l.limit }

func (l *Limiter) Window() time.Duration { return l.window }

// Allow records a hit for key and reports whether it is within the limit,
// along with the remaining budget in the current window. Each hit is a
// zset member scored by its timestamp; members older than the window are
// pruned on every call.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, int) {
	now := time.Now()
	cutoff := now.Add(-l.window)
	redisKey := "rate_limit:" + key

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString(),
	})
	card := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)

	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("rate limiter backend unavailable, allowing request", "key", key, "error", err)
		return true, l.limit
	}

	count := int(card.Val())
	if count > l.limit {
		return false, 0
	}
	return true, l.limit - count
}
