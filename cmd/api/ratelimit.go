package main

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"couplevault/logging"
)

const maxTrackedLimiters = 10000

// rateLimiter throttles authenticated callers per user id.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	logger   *logging.Logger
}

func newRateLimiter(rps float64, burst int, logger *logging.Logger) *rateLimiter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		logger:   logger,
	}
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Handler must run after authMiddleware so the caller id is known.
func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := userIDFromContext(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.limiter(key).Allow() {
			rl.logger.Warn("rate limit exceeded", "key", key, "path", r.URL.Path, "method", r.Method)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > maxTrackedLimiters {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}

// startCleanup resets the limiter table periodically until stop is closed.
func (rl *rateLimiter) startCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-stop:
				return
			}
		}
	}()
}
