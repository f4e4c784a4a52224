package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		d := rl.Allow("key")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != 4-i {
			t.Errorf("request %d: remaining = %d, want %d", i+1, d.Remaining, 4-i)
		}
	}

	if rl.Allow("key").Allowed {
		t.Error("6th request should be denied")
	}
	if !rl.Allow("other").Allowed {
		t.Error("other keys have their own window")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 10*time.Second)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		rl.Allow("key")
	}
	if rl.Allow("key").Allowed {
		t.Error("should be blocked within window")
	}

	now = now.Add(10 * time.Second)
	if !rl.Allow("key").Allowed {
		t.Error("should be allowed after window expires")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(5, time.Minute)
	rl.now = func() time.Time { return now }

	rl.Allow("expired")
	now = now.Add(2 * time.Minute)
	rl.Allow("active")

	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["expired"]; ok {
		t.Error("expired entry should have been cleaned up")
	}
	if _, ok := rl.entries["active"]; !ok {
		t.Error("active entry should still exist")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	keyFunc := func(r *http.Request) string { return "test" }

	handler := RateLimit(rl, keyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
		if rec.Header().Get("RateLimit-Limit") != "2" {
			t.Errorf("RateLimit-Limit = %q, want 2", rec.Header().Get("RateLimit-Limit"))
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("3rd request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("RateLimit-Remaining") != "0" {
		t.Errorf("RateLimit-Remaining = %q, want 0", rec.Header().Get("RateLimit-Remaining"))
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		hops       int
		cloudflare bool
		xff        []string
		cf         string
		want       string
	}{
		{"no proxy header", 1, false, nil, "", "3.3.3.3"},
		{"single proxy", 1, false, []string{"2.2.2.2"}, "", "2.2.2.2"},
		{"spoofed prefix ignored", 1, false, []string{"6.6.6.6, 2.2.2.2"}, "", "2.2.2.2"},
		{"two hops", 2, false, []string{"1.1.1.1, 2.2.2.2, 10.0.0.1"}, "", "2.2.2.2"},
		{"more hops than entries", 3, false, []string{"2.2.2.2"}, "", "2.2.2.2"},
		{"repeated headers", 1, false, []string{"6.6.6.6", "2.2.2.2"}, "", "2.2.2.2"},
		{"zero hops uses peer", 0, false, []string{"2.2.2.2"}, "", "3.3.3.3"},
		{"cloudflare untrusted", 1, false, []string{"2.2.2.2"}, "1.1.1.1", "2.2.2.2"},
		{"cloudflare trusted", 1, true, []string{"2.2.2.2"}, "1.1.1.1", "1.1.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "3.3.3.3:1234"
			for _, v := range tt.xff {
				r.Header.Add("X-Forwarded-For", v)
			}
			if tt.cf != "" {
				r.Header.Set("CF-Connecting-IP", tt.cf)
			}
			if got := ClientIP(tt.hops, tt.cloudflare)(r); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRealIPUsesLastHop(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "3.3.3.3:1234"
	r.Header.Set("X-Forwarded-For", "6.6.6.6, 2.2.2.2")
	if got := RealIP(r); got != "2.2.2.2" {
		t.Errorf("RealIP = %q, want 2.2.2.2", got)
	}
}

func TestRateLimitIgnoresRotatingForwardedFor(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	h := RateLimit(limiter, ClientIP(1, false))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	allowed := 0
	for i := 0; i < 10; i++ {
		r := httptest.NewRequest("POST", "/send-notification", nil)
		r.RemoteAddr = "203.0.113.9:5000"
		// A client can prepend anything; the proxy appends the real peer.
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d, 198.51.100.7", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed = %d, want 2", allowed)
	}

	// Without a proxy header the peer address is the key.
	limiter = NewRateLimiter(2, time.Minute)
	h = RateLimit(limiter, ClientIP(1, false))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	var last int
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest("POST", "/send-notification", nil)
		r.RemoteAddr = "203.0.113.9:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}
