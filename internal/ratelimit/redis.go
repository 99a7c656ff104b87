package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Windows outlive their second briefly so a slow INCR cannot reset a count.
const redisWindowTTL = 2 * time.Second

// RedisLimiter shares per-subject counters across instances through Redis.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter constructs a RedisLimiter writing keys under prefix.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: strings.TrimSpace(prefix)}
}

// Allow charges one request to s in the second containing now.
func (l *RedisLimiter) Allow(ctx context.Context, s Subject, limit int, now time.Time) (Result, error) {
	if limit <= 0 || l == nil || l.client == nil {
		return Result{Allowed: true}, nil
	}
	second := now.Unix()
	reset := time.Unix(second+1, 0).UTC()
	key := l.windowKey(s, second)

	var incr *redis.IntCmd
	if _, errPipe := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, redisWindowTTL)
		return nil
	}); errPipe != nil {
		return Result{}, errPipe
	}
	count := int(incr.Val())
	if count > limit {
		return Result{Reset: reset}, nil
	}
	return Result{Allowed: true, Remaining: limit - count, Reset: reset}, nil
}

// windowKey renders <prefix>:<role>:<principal>[:a:<action>]:<second>.
func (l *RedisLimiter) windowKey(s Subject, second int64) string {
	var b strings.Builder
	if l.prefix != "" {
		b.WriteString(l.prefix)
		b.WriteByte(':')
	}
	b.WriteString(s.String())
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(second, 10))
	return b.String()
}
