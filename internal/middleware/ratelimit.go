package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/clipforge/internal/metrics"
	"github.com/dukerupert/clipforge/internal/principal"
)

// RealIP extracts the client's real IP address, preferring Cloudflare's
// CF-Connecting-IP header, then X-Forwarded-For, and falling back to RemoteAddr.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Quota is the state of one key's window after a request was counted.
type Quota struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

type window struct {
	used  int
	until time.Time
}

// RateLimiter counts requests per key in fixed windows held in memory.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Take counts one request for key against limit per period.
func (rl *RateLimiter) Take(key string, limit int, period time.Duration) Quota {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || !now.Before(w.until) {
		w = &window{until: now.Add(period)}
		rl.windows[key] = w
	}
	w.used++
	return Quota{
		Allowed:   w.used <= limit,
		Remaining: max(limit-w.used, 0),
		Reset:     w.until,
	}
}

// Allow reports whether key is still within limit for the current period.
func (rl *RateLimiter) Allow(key string, limit int, period time.Duration) bool {
	return rl.Take(key, limit, period).Allowed
}

// Cleanup drops windows that have ended.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, w := range rl.windows {
		if !now.Before(w.until) {
			delete(rl.windows, key)
		}
	}
}

// ByPrincipal keys requests by the authenticated caller, falling back to the
// client IP for anonymous requests.
func ByPrincipal(r *http.Request) string {
	if id := principal.UserID(r.Context()); id != "" {
		return "user:" + id
	}
	return "ip:" + RealIP(r)
}

// RateLimit limits requests per keyFunc(r) and advertises the caller's quota
// in X-RateLimit-* headers. Refused requests get a JSON 429 with Retry-After
// set to the seconds left in the window.
func RateLimit(limiter *RateLimiter, keyFunc func(*http.Request) string, limit int, period time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := limiter.Take(keyFunc(r), limit, period)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(q.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(q.Reset.Unix(), 10))

			if !q.Allowed {
				metrics.RateLimitedTotal.Inc()
				wait := math.Ceil(q.Reset.Sub(limiter.now()).Seconds())
				h.Set("Content-Type", "application/json")
				h.Set("Retry-After", strconv.Itoa(max(int(wait), 1)))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate_limited", "message": "Too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
