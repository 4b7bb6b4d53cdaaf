// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimitDecision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int
}

type userLimiter struct {
	perMinute int
	limiter   *rate.Limiter
}

// userRateLimiter keeps one token bucket per user, refilled evenly over a
// minute with a burst of the full per-minute allowance.
type userRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
}

func newUserRateLimiter() *userRateLimiter {
	return &userRateLimiter{
		limiters: make(map[string]*userLimiter, 32),
	}
}

func (l *userRateLimiter) Allow(userID string, limitPerMinute int, now time.Time) rateLimitDecision {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}

	l.mu.Lock()
	entry, ok := l.limiters[userID]
	if !ok || entry.perMinute != limitPerMinute {
		entry = &userLimiter{
			perMinute: limitPerMinute,
			limiter:   rate.NewLimiter(rate.Limit(float64(limitPerMinute)/60.0), limitPerMinute),
		}
		l.limiters[userID] = entry
	}
	l.mu.Unlock()

	decision := rateLimitDecision{LimitPerMinute: limitPerMinute}
	if entry.limiter.AllowN(now, 1) {
		decision.Allowed = true
		decision.Remaining = remaining(entry.limiter, now)
		return decision
	}

	reservation := entry.limiter.ReserveN(now, 1)
	wait := reservation.DelayFrom(now)
	reservation.CancelAt(now)

	decision.Remaining = remaining(entry.limiter, now)
	decision.RetryAfterSeconds = int(math.Ceil(wait.Seconds()))
	if decision.RetryAfterSeconds < 1 {
		decision.RetryAfterSeconds = 1
	}
	return decision
}

func remaining(l *rate.Limiter, now time.Time) int {
	tokens := math.Floor(l.TokensAt(now))
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}
