package middleware

import (
	"sync"
	"time"

	"ally-api/internal/ctx"
	"ally-api/internal/metrics"
	"ally-api/internal/shared"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per user. Buckets idle for longer than
// the idle window are dropped on the next sweep.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(perMinute int, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: map[string]*userLimiter{},
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (r *RateLimiter) Allow(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	l, ok := r.limiters[userID]
	if !ok {
		l = &userLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[userID] = l
		r.sweep(now)
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

func (r *RateLimiter) sweep(now time.Time) {
	for id, l := range r.limiters {
		if now.Sub(l.lastSeen) > r.idle && !l.lastSeen.IsZero() {
			delete(r.limiters, id)
		}
	}
}

// Middleware must run after ExtractUser. Anonymous requests pass through.
func (r *RateLimiter) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if c.User == nil {
			return next(c)
		}
		if !r.Allow(c.User.UserID) {
			metrics.ErrorCount.WithLabelValues(c.Path(), "rate_limited").Inc()
			return c.JSON(429, shared.ErrorResponse{Error: "Too many requests. Please slow down."})
		}
		return next(c)
	}
}
