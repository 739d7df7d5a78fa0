package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per client IP. X-Caller is ignored:
// it is client-chosen and would hand out a fresh bucket per value.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*callerLimiter
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	log      *logrus.Entry
}

type callerLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per
// caller with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*callerLimiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		log:      logrus.WithField("component", "ratelimit"),
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.limiters[key]
	if !ok {
		cl = &callerLimiter{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = time.Now()
	return cl.lim
}

// Allow reports whether key may make one more request now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.get(key).Allow()
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := callerKey(r)
		if !rl.Allow(key) {
			rl.log.WithFields(logrus.Fields{"caller": key, "path": r.URL.Path}).Debug("rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter()))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error", "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) retryAfter() int {
	if rl.rate <= 0 {
		return 60
	}
	secs := int(1 / float64(rl.rate))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Cleanup drops limiters idle for longer than the TTL. Returns how many were
// removed. The daemon runs it from its job scheduler.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.idleTTL)
	n := 0
	for k, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked callers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// callerKey is the client IP. Behind chi's RealIP middleware RemoteAddr
// already carries X-Real-IP or X-Forwarded-For without a port.
func callerKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
