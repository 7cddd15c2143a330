package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// slowRequestThreshold is the duration above which requests are logged at
// WARN level.
const slowRequestThreshold = 500 * time.Millisecond

// requestLogger logs each request with timing. Websocket upgrades are
// long-lived by nature, so the threshold only applies to plain HTTP.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", duration.Milliseconds(),
		}

		switch {
		case len(c.Errors) > 0:
			attrs = append(attrs, "error", c.Errors.String())
			logger.Error("request failed", attrs...)
		case duration > slowRequestThreshold && !c.IsWebsocket():
			logger.Warn("slow request", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}
