package main

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bighogz/insider-feed/internal/config"
)

// securityHeaders adds security-related HTTP headers. The API only serves
// JSON, so nothing may be loaded from its responses.
func securityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")
		next(w, r)
	}
}

const rateLimiterMaxSize = 10000
const rateLimiterEvictAge = time.Hour

// rateLimiter allows one request per interval per key. Map size is capped.
type rateLimiter struct {
	mu       sync.Mutex
	last     map[string]time.Time
	interval time.Duration
	now      func() time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{
		last:     make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if len(rl.last) >= rateLimiterMaxSize {
		for k, t := range rl.last {
			if now.Sub(t) > rateLimiterEvictAge {
				delete(rl.last, k)
			}
		}
	}
	if t, ok := rl.last[key]; ok && now.Sub(t) < rl.interval {
		return false
	}
	rl.last[key] = now
	return true
}

var refreshLimiter = newRateLimiter(30 * time.Second) // 1 refresh per 30s per IP

func clientIP(r *http.Request) string {
	if f := r.Header.Get("X-Forwarded-For"); f != "" {
		return strings.TrimSpace(strings.Split(f, ",")[0])
	}
	return r.RemoteAddr
}

func rateLimitRefresh(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !refreshLimiter.allow(clientIP(r)) {
			jsonError(w, http.StatusTooManyRequests, "rate limit: try again shortly")
			return
		}
		next(w, r)
	}
}

// adminOrRateLimit protects /api/insider/refresh when ADMIN_API_KEY is set.
func adminOrRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if config.AdminAPIKey == "" {
			next(w, r)
			return
		}
		key := r.Header.Get("X-Admin-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key != config.AdminAPIKey {
			jsonError(w, http.StatusUnauthorized, "admin key required")
			return
		}
		next(w, r)
	}
}
