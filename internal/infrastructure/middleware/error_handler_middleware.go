package middleware

import (
	apperrors "peermesh/pkg/errors"
	"peermesh/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached with c.Error. Mesh
// errors are mapped through apperrors.FromDomain.
func ErrorHandlerMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		ctx := c.Request.Context()
		appErr := apperrors.FromDomain(c.Errors.Last().Err)
		if appErr.HTTPStatus >= 500 {
			cl.LogError(ctx, appErr, "request_failed",
				zap.String("code", string(appErr.Code)),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
		} else {
			cl.LogWarn(ctx, "request_rejected",
				zap.String("code", string(appErr.Code)),
				zap.String("message", appErr.Message),
				zap.String("path", c.Request.URL.Path),
			)
		}
		writeError(c, appErr)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("Panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				abortWithError(c, apperrors.NewInternalError("internal server error"))
			}
		}()

		c.Next()
	}
}

func writeError(c *gin.Context, appErr *apperrors.AppError) {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	c.JSON(appErr.HTTPStatus, body)
}

func abortWithError(c *gin.Context, appErr *apperrors.AppError) {
	writeError(c, appErr)
	c.Abort()
}
