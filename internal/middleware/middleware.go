// Package middleware carries the HTTP plumbing shared by every route:
// panic recovery, request IDs, structured access logs, CORS, header
// hygiene, timeouts, and per-IP throttling for submissions.
package middleware

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"runbox/internal/logging"
)

// ErrorResponse is the JSON body for errors raised by middleware, kept
// distinct from handler responses so infrastructure failures are easy
// to tell apart in clients and logs.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
}

func errorBody(c *gin.Context, msg, code string) ErrorResponse {
	return ErrorResponse{
		Error:     msg,
		Code:      code,
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString(requestIDKey),
	}
}

// Recovery turns handler panics into a 500 with a logged stack trace.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L().Error("Recovered panic in handler",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered),
			zap.Stack("stack"))

		c.JSON(http.StatusInternalServerError, errorBody(c, "Internal server error", "INTERNAL_SERVER_ERROR"))
	})
}

// RequestLogger writes one structured line per request. Probe endpoints
// are skipped so health checks and scrapes do not drown the log.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(requestIDKey)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logging.L().Info("HTTP request", fields...)
	}
}

// visitor pairs a token bucket with the last time its IP was seen, so
// idle entries can be swept.
type visitor struct {
	bucket *rate.Limiter
	seen   time.Time
}

// visitorLimiter hands out one token bucket per client IP.
type visitorLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	perMinute int
	burst     int
	ttl       time.Duration
}

func newVisitorLimiter(perMinute, burst int) *visitorLimiter {
	vl := &visitorLimiter{
		visitors:  make(map[string]*visitor),
		perMinute: perMinute,
		burst:     burst,
		ttl:       time.Hour,
	}
	go vl.sweep(10 * time.Minute)
	return vl
}

// allow reports whether ip may proceed, creating its bucket on first
// sight. The refill rate is perMinute spread across each second.
func (vl *visitorLimiter) allow(ip string) bool {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	v, ok := vl.visitors[ip]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(rate.Limit(vl.perMinute)/60, vl.burst)}
		vl.visitors[ip] = v
	}
	v.seen = time.Now()
	return v.bucket.Allow()
}

// sweep drops buckets for IPs not seen within ttl. Without it the map
// grows with every distinct client for the life of the process.
func (vl *visitorLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for range ticker.C {
		vl.mu.Lock()
		cutoff := time.Now().Add(-vl.ttl)
		for ip, v := range vl.visitors {
			if v.seen.Before(cutoff) {
				delete(vl.visitors, ip)
			}
		}
		vl.mu.Unlock()
	}
}

var (
	submitOnce    sync.Once
	submitLimiter *visitorLimiter
)

// SubmitRateLimit throttles code submissions per client IP. Executions
// are expensive, so one noisy client must not starve the worker pool.
// Limits come from SUBMIT_RATE_PER_MINUTE and SUBMIT_RATE_BURST.
func SubmitRateLimit() gin.HandlerFunc {
	submitOnce.Do(func() {
		submitLimiter = newVisitorLimiter(
			envInt("SUBMIT_RATE_PER_MINUTE", 60),
			envInt("SUBMIT_RATE_BURST", 10),
		)
	})

	return func(c *gin.Context) {
		if !submitLimiter.allow(c.ClientIP()) {
			body := errorBody(c, "Rate limit exceeded", "RATE_LIMIT_EXCEEDED")
			body.Details = map[string]interface{}{
				"limit":       strconv.Itoa(submitLimiter.perMinute) + " requests per minute",
				"retry_after": "60s",
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
			return
		}
		c.Next()
	}
}

const requestIDKey = "request_id"

// RequestID tags each request with a correlation ID, honoring one the
// caller already set.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}

		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// CORS answers cross-origin requests. ALLOWED_ORIGINS is a
// comma-separated allowlist; when unset, any origin is accepted
// without credentials, which fits an anonymous execution API.
func CORS() gin.HandlerFunc {
	allowed := make(map[string]bool)
	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}

	return func(c *gin.Context) {
		switch origin := c.GetHeader("Origin"); {
		case len(allowed) == 0:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security sets the usual hardening headers. The CSP is locked down
// completely because this API never serves markup.
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		c.Next()
	}
}

// Timeout bounds how long a handler may run. The handler executes on
// its own goroutine so the deadline can be enforced even when it never
// checks the context; panics are re-raised on the calling goroutine so
// Recovery still sees them.
func Timeout(limit time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), limit)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		panicked := make(chan interface{}, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
				}
			}()
			c.Next()
			close(done)
		}()

		select {
		case <-done:
		case p := <-panicked:
			panic(p)
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusRequestTimeout, errorBody(c, "Request timeout", "REQUEST_TIMEOUT"))
		}
	}
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
