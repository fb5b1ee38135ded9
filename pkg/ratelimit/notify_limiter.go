// Package ratelimit provides a Redis-backed sliding window limiter shared by
// every API instance.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindow trims entries older than the window, then admits the request
// if fewer than the limit remain. A rejection returns the negated number of
// milliseconds until the oldest entry leaves the window.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])
	local member = ARGV[5]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local count = redis.call('ZCARD', key)

	if count < limit then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window_ms)
		return limit - count - 1
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #oldest > 0 then
		return -(tonumber(oldest[2]) + window_ms - now)
	end
	return -window_ms
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type SlidingWindow struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	seq    atomic.Uint64
	now    func() time.Time
}

func NewSlidingWindow(client redis.UniversalClient, prefix string, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *SlidingWindow) Limit() int { return l.limit }

// Allow records one request for key. Callers decide what a Redis error
// means; the API falls back to its local limiter.
func (l *SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), l.seq.Add(1))
	res, err := slidingWindow.Run(ctx, l.client, []string{"ratelimit:" + l.prefix + ":" + key},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.limit,
		l.window.Milliseconds(),
		member,
	).Int64()
	if err != nil {
		return Decision{}, err
	}
	if res >= 0 {
		return Decision{Allowed: true, Remaining: int(res)}, nil
	}
	return Decision{RetryAfter: time.Duration(-res) * time.Millisecond}, nil
}
