package middleware

import (
	"context"
	"time"

	"orproxy-go/internal/events"
	"orproxy-go/internal/logging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RequestLogger logs every HTTP request and, when a bus is provided,
// publishes the request.start / request.end event pair consumed by the
// log subsystem.
func RequestLogger(bus events.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := c.GetString("request_id")

		if bus != nil {
			bus.Publish(c.Request.Context(), events.TopicRequestStart, map[string]any{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
				"ip":     c.ClientIP(),
			}, map[string]string{"request_id": rid})
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		userID := c.GetString(CtxUserID)

		logging.WithReq(c, log.Fields{
			"module":     "http",
			"status":     status,
			"latency_ms": logging.DurationMS(latency),
			"user_agent": c.Request.UserAgent(),
			"user_id":    userID,
		}).Info("http_request")

		if bus != nil {
			// Publish on a fresh context: the request context may already
			// be canceled once the handler returns.
			bus.Publish(context.Background(), events.TopicRequestEnd, map[string]any{
				"method":     c.Request.Method,
				"path":       c.Request.URL.Path,
				"status":     status,
				"latency_ms": logging.DurationMS(latency),
				"ip":         c.ClientIP(),
				"user_id":    userID,
			}, map[string]string{"request_id": rid})
		}
	}
}
