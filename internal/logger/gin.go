package logger

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLog returns the ingress logging middleware. It derives a
// request-scoped logger carrying the request id (set by the RequestID
// middleware), attaches it to the request's context.Context via
// WithRequestID so handlers and the executor pick it up through
// FromContext, and emits one completion line per request.
func AccessLog(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx, reqLog := WithRequestID(c.Request.Context(), base, c.GetString("request_id"))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", routeOf(c)),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("bytes_out", c.Writer.Size()),
		}
		for _, e := range c.Errors {
			fields = append(fields, zap.NamedError("gin_error", e))
		}

		switch {
		case status >= http.StatusInternalServerError:
			reqLog.Error("request completed", fields...)
		case status >= http.StatusBadRequest:
			reqLog.Warn("request completed", fields...)
		default:
			reqLog.Info("request completed", fields...)
		}
	}
}

// routeOf prefers the matched route template over the raw path so
// per-request ids in the path don't explode log cardinality.
func routeOf(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return c.Request.URL.Path
}

// Recovery converts a handler panic into a 500 with a JSON error body.
// It logs through base rather than the request-scoped logger because it
// is installed ahead of AccessLog and must work even when that middleware
// is absent; the request id is re-attached here so the panic line still
// correlates with the rest of the request's output.
func Recovery(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				base.Error("panic recovered",
					zap.String("request_id", c.GetString("request_id")),
					zap.String("method", c.Request.Method),
					zap.String("route", routeOf(c)),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// FromGin returns the request-scoped logger AccessLog attached to the
// request context, or the base no-op logger when the middleware isn't
// installed (tests hitting handlers directly).
func FromGin(c *gin.Context) *zap.Logger {
	return FromContext(c.Request.Context())
}
