package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"peermesh/pkg/config"
	apperrors "peermesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const maxTrackedKeys = 4096

// KeyedLimiter keeps one token bucket per key, for example per client IP.
type KeyedLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func NewKeyedLimiter(r rate.Limit, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

// Allow consumes one token from key's bucket.
func (s *KeyedLimiter) Allow(key string) bool {
	return s.getLimiter(key).Allow()
}

func (s *KeyedLimiter) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		if len(s.limiters) >= maxTrackedKeys {
			s.pruneLocked()
		}
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// pruneLocked forgets buckets that have refilled, since a fresh bucket
// behaves identically.
func (s *KeyedLimiter) pruneLocked() {
	for key, limiter := range s.limiters {
		if limiter.Tokens() >= float64(s.burstSize) {
			delete(s.limiters, key)
		}
	}
}

// ClientIP extracts the caller address, preferring the first
// X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := NewKeyedLimiter(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	return func(c *gin.Context) {
		if !store.Allow(ClientIP(c.Request)) {
			c.Header("Retry-After", "1")
			abortWithError(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}
