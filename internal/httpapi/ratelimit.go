package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/aurelle-jewellery/cartsync/internal/auth"
)

// RateLimitConfig shapes the per-user token bucket: MaxRequests per
// WindowSeconds of sustained throughput, with bursts up to Burst.
type RateLimitConfig struct {
	WindowSeconds int
	MaxRequests   int
	Burst         int
}

// DefaultRateLimitConfig allows 600 requests per minute with a burst of
// 120, enough for an interactive storefront hammering quantity steppers.
var DefaultRateLimitConfig = RateLimitConfig{
	WindowSeconds: 60,
	MaxRequests:   600,
	Burst:         120,
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per user id.
type RateLimiter struct {
	mu     sync.Mutex
	users  map[string]*userLimiter
	limit  rate.Limit
	burst  int
	maxReq int
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		users:  make(map[string]*userLimiter),
		limit:  rate.Limit(float64(cfg.MaxRequests) / float64(cfg.WindowSeconds)),
		burst:  cfg.Burst,
		maxReq: cfg.MaxRequests,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether the user may make a request now, and how long to
// wait if not.
func (rl *RateLimiter) Allow(userID string) (bool, time.Duration) {
	rl.mu.Lock()
	ul, ok := rl.users[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.users[userID] = ul
	}
	ul.lastSeen = time.Now()
	rl.mu.Unlock()

	res := ul.limiter.Reserve()
	delay := res.Delay()
	if delay > 0 {
		// Not allowed now; give the token back and tell the caller to wait.
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// cleanupLoop drops buckets idle for over an hour so the map cannot grow
// without bound.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		rl.mu.Lock()
		for userID, ul := range rl.users {
			if ul.lastSeen.Before(cutoff) {
				delete(rl.users, userID)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware enforces per-user rate limiting. Each middleware
// instance owns its limiter, so different route groups can carry different
// limits. Unauthenticated requests pass through untouched.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r.Context())
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, wait := limiter.Allow(userID)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(cfg.Burst))

			if !allowed {
				retryAfter := int(wait.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Warn().
					Str("userId", userID).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("rate limit exceeded")

				writeError(w, r, http.StatusTooManyRequests,
					"rate limit exceeded, retry after "+strconv.Itoa(retryAfter)+" seconds")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
