// Package middleware provides the gin middleware cmd/server installs,
// adapted from the teacher's internal/middleware/logger_middleware.go.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/IMAGE-ET/Orthanc-2/internal/logger"
)

// LoggerMiddleware logs every HTTP request/response through the
// process-wide logger rather than a middleware-local logrus instance.
type LoggerMiddleware struct {
	log *logrus.Logger
}

// NewLoggerMiddleware builds a LoggerMiddleware bound to the global
// logger (internal/logger.Get()).
func NewLoggerMiddleware() *LoggerMiddleware {
	return &LoggerMiddleware{log: logger.Get()}
}

// Logger renders gin's own access-log line through logrus.
func (m *LoggerMiddleware) Logger() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		m.log.WithFields(logrus.Fields{
			"timestamp": param.TimeStamp.Format(time.RFC3339),
			"status":    param.StatusCode,
			"latency":   param.Latency,
			"client_ip": param.ClientIP,
			"method":    param.Method,
			"path":      param.Path,
			"error":     param.ErrorMessage,
		}).Info("http request")
		return ""
	})
}

// RequestLogger logs a structured line per request after it completes.
func (m *LoggerMiddleware) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		m.log.WithFields(logrus.Fields{
			"timestamp":  time.Now().Format(time.RFC3339),
			"status":     c.Writer.Status(),
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"raw_query":  raw,
			"user_agent": c.Request.UserAgent(),
			"error":      c.Errors.String(),
		}).Info("http response")
	}
}
