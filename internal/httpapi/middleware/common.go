// Package middleware holds the gateway's ingress middleware: request-id
// assignment, CORS for the dispatch API, security headers, and the
// front-door throttle that shields the per-endpoint egress limiters.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Header names the dispatch surface uses at the ingress boundary.
const (
	RequestIDHeader = "X-Request-ID"
	PathwayHeader   = "X-Cortex-Pathway"
)

// RequestID assigns each request an id, honoring one supplied by the
// caller so a client can correlate its own logs with the gateway's. The
// id doubles as the CortexRequest's requestId when the dispatch handler
// builds one, which is why it is minted here rather than deeper in.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// CORSConfig holds the origin allowlist for the dispatch API. Methods and
// headers are fixed: the surface is a small JSON API, not a generic proxy.
type CORSConfig struct {
	AllowOrigins []string
}

// DefaultCORSConfig allows no origins; cross-origin access must be opted
// into through configuration.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{}
}

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Accept, Origin, " + RequestIDHeader + ", " + PathwayHeader
	corsExpose  = RequestIDHeader + ", Retry-After"
	corsMaxAge  = "3600"
)

// CORSWithConfig returns the CORS middleware for the dispatch API.
// Preflights are answered with 204 whether or not the origin is allowed;
// CORS response headers are only set for allowed origins.
func CORSWithConfig(cfg CORSConfig) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(cfg.AllowOrigins))
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		h := c.Writer.Header()
		h.Add("Vary", "Origin")

		if origin != "" && (allowAll || allowed[origin]) {
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Expose-Headers", corsExpose)
			if c.Request.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Secure sets the response headers appropriate for a JSON API that serves
// no markup: no sniffing, no framing, no caching of dispatch results
// (upstream responses may embed caller data and must not land in shared
// HTTP caches — the executor's own cache is the only replay path).
func Secure() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

// retryAfterSeconds renders a duration as a whole-second Retry-After
// value, rounding up so clients never retry early.
func retryAfterSeconds(d time.Duration) string {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// joinNonEmpty is strings.Join over the non-empty parts, used to compose
// throttle keys like "<pathway>|<client-ip>".
func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
