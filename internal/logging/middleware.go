package logging

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/idgen"
)

// HeaderRequestID is honoured on input and echoed on every response.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLen = 128

// Middleware attaches a request ID and logger to the request context and
// writes one access log line per request.
func Middleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = idgen.New()
		}
		ctx := WithRequestID(c.Request.Context(), requestID)
		ctx = WithLogger(ctx, logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, requestID)

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		l := L(ctx)
		switch {
		case status >= 500:
			l.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			l.Warn("request completed", attrs...)
		default:
			l.Info("request completed", attrs...)
		}
	}
}
