package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"mediagate/pkg/config"
	apperrors "mediagate/pkg/errors"
)

const limiterIdleTTL = 10 * time.Minute

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*keyedLimiter
	rate      rate.Limit
	burstSize int
	lastSweep time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*keyedLimiter),
		rate:      r,
		burstSize: burst,
		lastSweep: time.Now(),
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > limiterIdleTTL {
		for k, l := range s.limiters {
			if now.Sub(l.lastSeen) > limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	entry, exists := s.limiters[key]
	if !exists {
		entry = &keyedLimiter{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// clientIP extracts the caller address, preferring the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func abortWithAppError(c *gin.Context, err *apperrors.AppError) {
	renderError(c, err)
	c.Abort()
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				abortWithAppError(c, apperrors.ServiceUnavailable("too many concurrent requests"))
				return
			}
		}

		if !store.getLimiter(clientIP(c.Request)).Allow() {
			c.Header("Retry-After", "1")
			abortWithAppError(c, apperrors.RateLimited())
			return
		}
		c.Next()
	}
}

// ConnectionLimiter admits WebSocket upgrades per client IP and caps the
// number of concurrently open signaling connections.
type ConnectionLimiter struct {
	enabled bool
	store   *rateLimiterStore
	slots   chan struct{}
}

func NewConnectionLimiter(cfg *config.Config) *ConnectionLimiter {
	ws := cfg.RateLimiting.WebSocket
	l := &ConnectionLimiter{enabled: cfg.RateLimiting.Enabled}
	if !l.enabled {
		return l
	}
	if ws.ConnectionsPerMinute > 0 {
		l.store = newRateLimiterStore(rate.Every(time.Minute/time.Duration(ws.ConnectionsPerMinute)), ws.ConnectionsPerMinute)
	}
	if ws.MaxConcurrent > 0 {
		l.slots = make(chan struct{}, ws.MaxConcurrent)
	}
	return l
}

// Acquire reserves a connection slot for r. The returned release func must be
// called when the connection ends.
func (l *ConnectionLimiter) Acquire(r *http.Request) (release func(), err *apperrors.AppError) {
	release = func() {}
	if !l.enabled {
		return release, nil
	}
	if l.store != nil && !l.store.getLimiter(clientIP(r)).Allow() {
		return release, apperrors.RateLimited()
	}
	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
			var once sync.Once
			release = func() { once.Do(func() { <-l.slots }) }
		default:
			return release, apperrors.ServiceUnavailable("too many concurrent connections")
		}
	}
	return release, nil
}

// NewMessageLimiter returns the per-connection request limiter, or nil when
// rate limiting is disabled.
func NewMessageLimiter(cfg *config.Config) *rate.Limiter {
	if !cfg.RateLimiting.Enabled || cfg.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimiting.WebSocket.MessagesPerSecond), cfg.RateLimiting.WebSocket.Burst)
}
