package authserver

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Per-endpoint rate limits.
var (
	// TokenRateLimit allows 100 requests per 5 seconds per source.
	TokenRateLimit = RateLimit{Limit: rate.Every(5 * time.Second / 100), Burst: 100}

	// RegisterRateLimit allows 10 registrations per minute per source.
	RegisterRateLimit = RateLimit{Limit: rate.Every(6 * time.Second), Burst: 10}

	// UpstreamIDPRateLimit allows 20 requests per minute per source.
	UpstreamIDPRateLimit = RateLimit{Limit: rate.Every(3 * time.Second), Burst: 20}
)

// RateLimit is a token-bucket configuration.
type RateLimit struct {
	Limit rate.Limit
	Burst int
}

// rateLimiter hands out one token bucket per request source. Idle buckets
// are evicted after an hour so the map does not grow without bound.
type rateLimiter struct {
	cfg        RateLimit
	mu         sync.Mutex
	sources    map[string]*sourceLimiter
	evictAfter time.Duration
}

type sourceLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newRateLimiter(cfg RateLimit) *rateLimiter {
	return &rateLimiter{
		cfg:        cfg,
		sources:    make(map[string]*sourceLimiter),
		evictAfter: time.Hour,
	}
}

func (rl *rateLimiter) allow(source string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	sl, ok := rl.sources[source]
	if !ok {
		if len(rl.sources) > 1024 {
			rl.evictLocked(now)
		}
		sl = &sourceLimiter{limiter: rate.NewLimiter(rl.cfg.Limit, rl.cfg.Burst)}
		rl.sources[source] = sl
	}
	sl.seen = now
	return sl.limiter.Allow()
}

func (rl *rateLimiter) evictLocked(now time.Time) {
	for source, sl := range rl.sources {
		if now.Sub(sl.seen) > rl.evictAfter {
			delete(rl.sources, source)
		}
	}
}

// RateLimitMiddleware limits requests per source IP with the given
// configuration, responding 429 when the bucket is empty.
func RateLimitMiddleware(cfg RateLimit) func(http.Handler) http.Handler {
	rl := newRateLimiter(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			source, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				source = r.RemoteAddr
			}
			if !rl.allow(source) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
