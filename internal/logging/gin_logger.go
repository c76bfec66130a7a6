package logging

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// GinLogrusLogger returns a Gin middleware handler that logs each HTTP
// request through the same structured logrus fields internal/authmanager
// and internal/authmethod use via For: a provider field is attached
// whenever the route carries a `:name` path parameter, so a request log
// line and the auth-manager log lines it triggers downstream correlate on
// the same field name.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}

		fields := log.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
		}
		if provider := c.Param("name"); provider != "" {
			fields["provider"] = provider
		}
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			fields["error"] = errorMessage
		}

		entry := log.WithFields(fields)
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("http request")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("http request")
		default:
			entry.Info("http request")
		}
	}
}

// GinLogrusRecovery returns a Gin middleware handler that recovers from
// panics in request handlers (most likely a nil provider/auth-manager
// lookup reaching a handler that assumed it had already been validated)
// and logs them via logrus instead of letting Gin's own recovery middleware
// crash the process.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		fields := log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}
		if provider := c.Param("name"); provider != "" {
			fields["provider"] = provider
		}
		log.WithFields(fields).Error("recovered from panic in http handler")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
