package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// burst of 2: two immediate requests pass, the third waits for a refill
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("enc-1") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("enc-1") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("enc-1") {
		t.Error("Third request should be rate limited")
	}

	// other keys have their own bucket
	if !limiter.Allow("enc-2") {
		t.Error("Different key should not be limited")
	}

	// 10 req/s = 100ms per token
	time.Sleep(150 * time.Millisecond)
	if !limiter.Allow("enc-1") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 2)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := limiter.Middleware(IPKeyFunc)(handler)

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest("POST", "/jobs", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, req)
		codes[i] = rr.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("First two requests should succeed, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("Third request should be rate limited, got %d", codes[2])
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := IPKeyFunc(req); got != "192.0.2.1:1234" {
		t.Errorf("expected RemoteAddr, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")
	if got := IPKeyFunc(req); got != "203.0.113.7" {
		t.Errorf("expected first forwarded hop, got %q", got)
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(1, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("stale")
	now = now.Add(10 * time.Minute)
	limiter.Allow("fresh")

	if removed := limiter.CleanupOldLimiters(5 * time.Minute); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if limiter.Len() != 1 {
		t.Errorf("expected 1 remaining limiter, got %d", limiter.Len())
	}
}
