package logger

import (
	"time"

	"github.com/gin-gonic/gin"
)

const RequestIDHeader = "X-Request-ID"

// GinMiddleware tags each ops request with a request_id and logs its completion.
// Health probes and metric scrapes are frequent, so successful requests log at debug level.
func GinMiddleware(logger Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = GenerateRequestID()
		}

		c.Header(RequestIDHeader, requestID)
		c.Set("request_id", requestID)

		ctx := WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		fields := []Field{
			String("method", c.Request.Method),
			String("path", path),
			Int("status", statusCode),
			Duration("duration", duration),
			String("ip", c.ClientIP()),
		}

		switch {
		case statusCode >= 500:
			logger.ErrorCtx(ctx, "HTTP request completed", fields...)
		case statusCode >= 400:
			logger.WarnCtx(ctx, "HTTP request completed", fields...)
		default:
			logger.DebugCtx(ctx, "HTTP request completed", fields...)
		}
	}
}

// GetRequestIDFromGin extracts request_id from Gin context
func GetRequestIDFromGin(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return GetRequestID(c.Request.Context())
}
