// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRetryAfter         = "Retry-After"
)

type rateLimitDecision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int
}

type tokenBucket struct {
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
}

type inMemoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newInMemoryRateLimiter() *inMemoryRateLimiter {
	return &inMemoryRateLimiter{
		buckets: make(map[string]*tokenBucket, 32),
	}
}

func (l *inMemoryRateLimiter) Allow(key string, limitPerMinute int, now time.Time) rateLimitDecision {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}

	capacity := float64(limitPerMinute)
	refillPerSecond := capacity / 60.0

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok || bucket.capacity != capacity {
		bucket = &tokenBucket{
			capacity:        capacity,
			tokens:          capacity,
			refillPerSecond: refillPerSecond,
			lastRefill:      now,
		}
		l.buckets[key] = bucket
	}

	elapsedSeconds := now.Sub(bucket.lastRefill).Seconds()
	if elapsedSeconds > 0 {
		bucket.tokens = min(bucket.tokens+elapsedSeconds*bucket.refillPerSecond, bucket.capacity)
		bucket.lastRefill = now
	}

	decision := rateLimitDecision{
		LimitPerMinute: limitPerMinute,
		Remaining:      int(math.Floor(bucket.tokens)),
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		decision.Allowed = true
		decision.Remaining = int(math.Floor(bucket.tokens))
		return decision
	}

	waitSeconds := int(math.Ceil((1 - bucket.tokens) / bucket.refillPerSecond))
	decision.RetryAfterSeconds = max(waitSeconds, 1)
	return decision
}

// KeyFunc picks the bucket for a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// RateLimit applies a per-key token bucket refilled at limitPerMinute.
// A non-positive limit disables the middleware.
func RateLimit(limitPerMinute int, key KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return rateLimitWith(newInMemoryRateLimiter(), time.Now, limitPerMinute, key, logger)
}

func rateLimitWith(
	limiter *inMemoryRateLimiter,
	now func() time.Time,
	limitPerMinute int,
	key KeyFunc,
	logger *slog.Logger,
) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		if limitPerMinute <= 0 || key == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision := limiter.Allow(k, limitPerMinute, now())
			w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
			w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				logger.Warn("request rate limited", "key", k, "path", r.URL.Path)
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
