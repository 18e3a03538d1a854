package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/services"
	"peermesh/pkg/config"
	"peermesh/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/test", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := serve(router, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := serve(router, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, second))
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/test", nil)
	other.Header.Set("X-Forwarded-For", "10.0.0.9, 10.0.0.1")
	assert.Equal(t, http.StatusOK, serve(router, other).Code, "buckets are per client")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 192.0.2.1")
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.0.2.1", ClientIP(req))
}

func TestKeyedLimiter_PrunesRefilledBuckets(t *testing.T) {
	l := NewKeyedLimiter(rate.Inf, 1)
	for i := 0; i < maxTrackedKeys+10; i++ {
		l.Allow(fmt.Sprintf("key-%d", i))
	}
	assert.LessOrEqual(t, len(l.limiters), maxTrackedKeys)
}

func TestControlAuthMiddleware(t *testing.T) {
	invites := services.NewInviteService("secret", time.Minute)
	control, err := invites.Issue(services.AudienceControl, 4, 0)
	require.NoError(t, err)
	join, err := invites.Issue(services.AudienceJoin, 4, 0)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/secure", ControlAuthMiddleware(invites), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"issuer": c.MustGet(IssuerPeerKey).(domain.PeerID)})
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + control, http.StatusUnauthorized},
		{"join token", "Bearer " + join, http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"control token", "Bearer " + control, http.StatusOK},
		{"lowercase scheme", "bearer " + control, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/secure", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(router, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, `{"issuer":4}`, w.Body.String())
			} else {
				assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
			}
		})
	}
}

func TestErrorHandlerMiddleware_MapsDomainErrors(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(logger.NewContextLogger(zaptest.NewLogger(t))))
	router.GET("/missing", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("lookup: %w", domain.ErrPeerNotFound))
	})
	router.GET("/conflict", func(c *gin.Context) {
		_ = c.Error(domain.ErrNotManual)
	})
	router.GET("/boom", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("disk on fire"))
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))

	w = serve(router, httptest.NewRequest(http.MethodGet, "/conflict", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk on fire")
}

func TestErrorHandlerMiddleware_LogsWithRequestContext(t *testing.T) {
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(tracetest.NewSpanRecorder())))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	core, logs := observer.New(zapcore.DebugLevel)
	router := gin.New()
	router.Use(RequestIDMiddleware(), TracingMiddleware(), ErrorHandlerMiddleware(logger.NewContextLogger(zap.New(core))))
	router.GET("/missing", func(c *gin.Context) {
		_ = c.Error(domain.ErrPeerNotFound)
	})
	router.GET("/boom", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("disk on fire"))
	})

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set("X-Request-ID", "req-7")
	serve(router, req)
	serve(router, httptest.NewRequest(http.MethodGet, "/boom", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	rejected := entries[0]
	assert.Equal(t, zapcore.WarnLevel, rejected.Level)
	assert.Equal(t, "request_rejected", rejected.Message)
	assert.Equal(t, "req-7", rejected.ContextMap()["request_id"])
	assert.Len(t, rejected.ContextMap()["trace_id"], 32)

	failed := entries[1]
	assert.Equal(t, zapcore.ErrorLevel, failed.Level)
	assert.Equal(t, "request_failed", failed.Message)
	assert.Equal(t, "INTERNAL_ERROR", failed.ContextMap()["code"])
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("oops") })

	w := serve(router, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, w))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	router := gin.New()
	router.Use(RequestIDMiddleware(), TracingMiddleware())
	router.GET("/id", func(c *gin.Context) {
		seen = logger.RequestID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/id", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set("X-Request-ID", "abc")
	w = serve(router, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", w.Header().Get("X-Request-ID"))
}
