package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ClientIP returns a key function that resolves the client address behind
// trustedHops reverse proxies. Each trusted hop consumes one X-Forwarded-For
// entry from the right; with zero hops the peer address is used as is.
// CF-Connecting-IP is honoured only when trustCloudflare is set.
func ClientIP(trustedHops int, trustCloudflare bool) func(*http.Request) string {
	return func(r *http.Request) string {
		if trustCloudflare {
			if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
				return ip
			}
		}
		return forwardedFor(r, trustedHops)
	}
}

// RealIP resolves the client address behind a single reverse proxy.
func RealIP(r *http.Request) string {
	return forwardedFor(r, 1)
}

func forwardedFor(r *http.Request, trustedHops int) string {
	addr := peerAddr(r)
	if trustedHops <= 0 {
		return addr
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	// Walk from the peer towards the client, one trusted proxy at a time.
	for i := 0; i < trustedHops && len(hops) > 0; i++ {
		addr = hops[len(hops)-1]
		hops = hops[:len(hops)-1]
	}
	return addr
}

func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is an in-memory fixed-window limiter keyed by client.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*bucket
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow counts a request for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, ok := rl.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &bucket{resetAt: now.Add(rl.window)}
		rl.entries[key] = e
	}
	e.count++

	remaining := rl.limit - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   e.count <= rl.limit,
		Limit:     rl.limit,
		Remaining: remaining,
		ResetAt:   e.resetAt,
	}
}

// Cleanup removes expired entries.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, e := range rl.entries {
		if !now.Before(e.resetAt) {
			delete(rl.entries, key)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

// RateLimit returns middleware that rate-limits requests by a key function.
// Every response carries RateLimit-Limit, RateLimit-Remaining and
// RateLimit-Reset headers; rejected requests also get Retry-After.
func RateLimit(limiter *RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Allow(keyFunc(r))

			reset := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
			if reset < 0 {
				reset = 0
			}
			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(reset))

			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(reset))
				writeError(w, http.StatusTooManyRequests, "Too many requests, please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
