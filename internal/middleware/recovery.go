package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/response"
)

// Recovery turns a handler panic into a 500 and keeps the process serving.
// If the handler already wrote a status, the connection is only aborted.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.FromContext(c.Request.Context()).Error("Panic in HTTP handler",
				zap.Any("panic", r),
				zap.String("method", c.Request.Method),
				zap.String("route", c.FullPath()),
				zap.Bool("response_started", c.Writer.Written()),
				zap.ByteString("stack", debug.Stack()))

			if c.Writer.Written() {
				c.Abort()
				return
			}
			response.InternalError(c, "Internal server error")
			c.Abort()
		}()
		c.Next()
	}
}
