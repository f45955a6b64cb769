package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"mediagate/pkg/config"
	apperrors "mediagate/pkg/errors"
)

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, w.Code)
		}
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request, got %d", w2.Code)
	}
	if w2.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After header, got %q", w2.Header().Get("Retry-After"))
	}

	// A different forwarded client has its own bucket.
	w3 := httptest.NewRecorder()
	req3, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req3.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	router.ServeHTTP(w3, req3)
	if w3.Code != http.StatusOK {
		t.Fatalf("expected status 200 for other client, got %d", w3.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	if got := clientIP(req); got != "192.0.2.1" {
		t.Errorf("clientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 192.0.2.1")
	if got := clientIP(req); got != "203.0.113.5" {
		t.Errorf("clientIP with XFF = %q", got)
	}
}

func TestConnectionLimiter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 1

	l := NewConnectionLimiter(cfg)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	release, err := l.Acquire(req)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := l.Acquire(req); err == nil || err.Code != apperrors.ErrCodeServiceUnavailable {
		t.Fatalf("expected SERVICE_UNAVAILABLE, got %v", err)
	}

	release()
	release()

	if release2, err := l.Acquire(req); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	} else {
		release2()
	}
}

func TestConnectionLimiter_PerIPRate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 1
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	l := NewConnectionLimiter(cfg)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	if _, err := l.Acquire(req); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := l.Acquire(req); err == nil || err.Code != apperrors.ErrCodeRateLimit {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %v", err)
	}
}

func TestNewMessageLimiter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	if NewMessageLimiter(cfg) != nil {
		t.Fatal("expected nil limiter when disabled")
	}

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 1
	cfg.RateLimiting.WebSocket.Burst = 2
	l := NewMessageLimiter(cfg)
	if l == nil {
		t.Fatal("expected limiter")
	}
	if !l.Allow() || !l.Allow() {
		t.Fatal("burst should admit two messages")
	}
	if l.Allow() {
		t.Fatal("third message should be limited")
	}
}
