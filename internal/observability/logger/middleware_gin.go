// Package logger provides request logging for the HTTP surface.
package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tokenmeter/pkg/log/ctxlogger"
	"github.com/smallbiznis/tokenmeter/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// GinMiddleware logs each request with its correlation id, route, status and
// latency. A correlation id is minted when the client did not send one.
func GinMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		requestID := c.GetHeader("X-Request-Id")
		if requestID != "" {
			ctx = correlation.ContextWithCorrelationID(ctx, requestID)
		} else {
			ctx, requestID = correlation.EnsureCorrelationID(ctx)
		}
		c.Writer.Header().Set("X-Request-Id", requestID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}

		logger := ctxlogger.WithContext(ctx, log)
		switch {
		case c.Writer.Status() >= 500:
			logger.Error("http request", fields...)
		case c.Writer.Status() >= 400:
			logger.Warn("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}
