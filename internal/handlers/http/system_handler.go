package http

import (
	"net/http"

	"peermesh/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// SetupSystemRoutes mounts /health and, when metrics is non-nil, the
// prometheus scrape endpoint.
func SetupSystemRoutes(router *gin.Engine, health *monitoring.HealthChecker, metricsPath string, metrics http.Handler) {
	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if metrics != nil {
		router.GET(metricsPath, gin.WrapH(metrics))
	}
}
