package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// IngressLimiter sheds dispatch load at the front door so the per-endpoint
// egress limiters spend their reservoirs on requests that will actually
// run, instead of queueing ingress bursts until they expire inside the
// scheduler. It is deliberately not the egress limiter: egress paces
// submissions to an upstream and queues, ingress answers immediately —
// admit or 429 with a Retry-After.
//
// Each key (pathway + client) gets a token bucket refilled continuously at
// rps tokens per second up to burst, so a client that pauses accrues at
// most one burst of credit rather than a whole idle window's worth.
type IngressLimiter struct {
	rps   float64
	burst float64

	mu        sync.Mutex
	buckets   map[string]*ingressBucket
	lastSweep time.Time
}

type ingressBucket struct {
	tokens float64
	seen   time.Time
}

// sweepEvery bounds how often the lazy full-map sweep runs; buckets idle
// longer than one sweep interval are dropped.
const sweepEvery = 5 * time.Minute

// NewIngressLimiter builds a limiter admitting rps requests per second per
// key with the given burst headroom. burst <= 0 defaults to rps.
func NewIngressLimiter(rps, burst int) *IngressLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = rps
	}
	return &IngressLimiter{
		rps:       float64(rps),
		burst:     float64(burst),
		buckets:   make(map[string]*ingressBucket),
		lastSweep: time.Now(),
	}
}

// Take attempts to admit one request for key. On refusal it reports how
// long until a token will be available, which becomes the Retry-After.
func (l *IngressLimiter) Take(key string) (ok bool, retryIn time.Duration) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	b := l.buckets[key]
	if b == nil {
		b = &ingressBucket{tokens: l.burst}
		l.buckets[key] = b
	} else {
		b.tokens += now.Sub(b.seen).Seconds() * l.rps
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.seen = now

	if b.tokens < 1 {
		deficit := 1 - b.tokens
		return false, time.Duration(deficit / l.rps * float64(time.Second))
	}
	b.tokens--
	return true, 0
}

// Remaining reports the whole tokens currently available for key, for the
// X-RateLimit-Remaining response header.
func (l *IngressLimiter) Remaining(key string) int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil {
		return int(l.burst)
	}
	tokens := b.tokens + now.Sub(b.seen).Seconds()*l.rps
	if tokens > l.burst {
		tokens = l.burst
	}
	return int(tokens)
}

// sweepLocked drops buckets idle past the sweep interval. Runs inline on
// the Take path at most once per interval; no background goroutine to
// leak. Caller holds mu.
func (l *IngressLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < sweepEvery {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.seen) >= sweepEvery {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

// ThrottleKey derives the throttle key for a request: the pathway the
// caller is invoking (its declared name, so one noisy pathway cannot
// starve the others) qualified by the client address.
func ThrottleKey(c *gin.Context) string {
	return joinNonEmpty("|", c.GetHeader(PathwayHeader), c.ClientIP())
}

// Throttle returns the ingress middleware: admit through the limiter or
// answer 429 with Retry-After. Admitted requests carry the standard
// X-RateLimit-* headers so clients can pace themselves before hitting
// the limit.
func Throttle(l *IngressLimiter) gin.HandlerFunc {
	limitHeader := strconv.Itoa(int(l.rps))
	return func(c *gin.Context) {
		key := ThrottleKey(c)
		ok, retryIn := l.Take(key)
		if !ok {
			c.Header("Retry-After", retryAfterSeconds(retryIn))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "dispatch rate limit exceeded",
			})
			return
		}
		c.Header("X-RateLimit-Limit", limitHeader)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(l.Remaining(key)))
		c.Next()
	}
}
