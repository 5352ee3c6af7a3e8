package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// Bucket starts with 2 tokens, refills at 10/s
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("chat-1") {
		t.Error("First event should be allowed")
	}
	if !limiter.Allow("chat-1") {
		t.Error("Second event should be allowed")
	}
	if limiter.Allow("chat-1") {
		t.Error("Third event should be rate limited")
	}

	// Other keys have their own bucket
	if !limiter.Allow("chat-2") {
		t.Error("A different key should not be limited")
	}

	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow("chat-1") {
		t.Error("Event after refill should be allowed")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	limiter := NewLimiter(0.001, 1)
	limiter.Allow("k")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "k"); err == nil {
		t.Error("Wait should fail when the next token is beyond the deadline")
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(10, 1)
	limiter.Allow("old")
	time.Sleep(20 * time.Millisecond)
	limiter.Allow("fresh")

	removed := limiter.CleanupOldLimiters(10 * time.Millisecond)
	if removed != 1 {
		t.Errorf("Expected 1 limiter removed, got %d", removed)
	}
	if limiter.Len() != 1 {
		t.Errorf("Expected 1 limiter left, got %d", limiter.Len())
	}
}

func TestZeroBurstStillAdmits(t *testing.T) {
	limiter := NewLimiter(1, 0)
	if !limiter.Allow("client") {
		t.Error("Expected first request to pass with burst clamped to 1")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 2)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := limiter.Middleware(IPKeyFunc)(handler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/subscribers", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("First two requests should succeed, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("Third request should be limited, got %d", codes[2])
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.5:40000"
	if got := IPKeyFunc(req); got != "192.168.1.5" {
		t.Errorf("Expected host without port, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	if got := IPKeyFunc(req); got != "192.168.1.5" {
		t.Errorf("Forwarded header must be ignored without trusted proxies, got %q", got)
	}
}

func TestProxyKeyFunc(t *testing.T) {
	keyFunc, err := ProxyKeyFunc("10.0.0.0/8", "192.168.1.1")
	if err != nil {
		t.Fatalf("ProxyKeyFunc: %v", err)
	}

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct client", "198.51.100.4:1234", "", "198.51.100.4"},
		{"spoofed header from untrusted peer", "198.51.100.4:1234", "203.0.113.7", "198.51.100.4"},
		{"trusted proxy", "10.1.2.3:443", "203.0.113.7", "203.0.113.7"},
		{"client-supplied hops are skipped", "192.168.1.1:443", "1.2.3.4, 203.0.113.7, 10.0.0.9", "203.0.113.7"},
		{"trusted proxy without header", "10.1.2.3:443", "", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := keyFunc(req); got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRotatingForwardedHeaderIsLimited(t *testing.T) {
	limiter := NewLimiter(1, 1)
	keyFunc, _ := ProxyKeyFunc()
	wrapped := limiter.Middleware(keyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	limited := 0
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/subscribers", nil)
		req.RemoteAddr = "198.51.100.4:1234"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, req)
		if rr.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 4 {
		t.Errorf("Expected 4 of 5 requests limited, got %d", limited)
	}
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	if _, err := ParseTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Error("Expected error for invalid address")
	}
	if _, err := ParseTrustedProxies([]string{"10.0.0.0/33"}); err == nil {
		t.Error("Expected error for invalid CIDR")
	}
}
