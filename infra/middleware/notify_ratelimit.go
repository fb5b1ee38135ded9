package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"notify_server/pkg/apperr"
	"notify_server/pkg/logger"
	"notify_server/pkg/ratelimit"
	"notify_server/pkg/response"
)

// SharedLimiter counts requests across instances. ratelimit.SlidingWindow
// implements it.
type SharedLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// RateLimiter is a fixed-window limiter keyed by client IP. It guards the
// unauthenticated OAuth entry points. With a shared limiter set, the local
// window is only used while the shared one is unreachable.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string]*window
	limit    int
	period   time.Duration
	now      func() time.Time
	stop     chan struct{}
	shared   SharedLimiter
}

type window struct {
	count     int
	expiresAt time.Time
}

func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string]*window),
		limit:    limit,
		period:   period,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) SetShared(s SharedLimiter) {
	rl.shared = s
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	select {
	case <-rl.stop:
	default:
		close(rl.stop)
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, w := range rl.requests {
		if now.After(w.expiresAt) {
			delete(rl.requests, key)
		}
	}
}

// allow records one request from key and reports the remaining budget.
func (rl *RateLimiter) allow(key string) (ok bool, remaining int, reset time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	w, exists := rl.requests[key]
	if !exists || now.After(w.expiresAt) {
		w = &window{expiresAt: now.Add(rl.period)}
		rl.requests[key] = w
	}
	if w.count >= rl.limit {
		return false, 0, w.expiresAt
	}
	w.count++
	return true, rl.limit - w.count, w.expiresAt
}

func (rl *RateLimiter) decide(ctx context.Context, key string) (ok bool, remaining int, reset time.Time) {
	if rl.shared != nil {
		d, err := rl.shared.Allow(ctx, key)
		if err == nil {
			return d.Allowed, d.Remaining, rl.now().Add(d.RetryAfter)
		}
		logger.WithContext(ctx).WithError(err).Warn("[RateLimiter] shared limiter unavailable, using local window")
	}
	return rl.allow(key)
}

func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ok, remaining, reset := rl.decide(c.UserContext(), c.IP())
		c.Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if !ok {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(reset.Sub(rl.now()).Seconds())+1))
			return response.Fail(c, apperr.ErrRateLimited)
		}
		return c.Next()
	}
}
