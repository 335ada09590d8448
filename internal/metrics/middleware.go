package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrument returns Gin middleware that times every request and feeds
// the HTTP collectors. The /metrics endpoint itself is left out so the
// scraper does not inflate its own numbers.
func Instrument() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		m.HTTPRequestsInFlight.Inc()
		start := time.Now()

		c.Next()

		m.HTTPRequestsInFlight.Dec()

		// FullPath keeps parameter placeholders (/results/:jobId), so
		// label cardinality stays bounded; unmatched routes collapse
		// into a single bucket.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		// Writer.Size is -1 when no body was written.
		m.RecordHTTPRequest(route, c.Request.Method, c.Writer.Status(), time.Since(start), c.Writer.Size())
	}
}

// Handler adapts the Prometheus scrape handler to Gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
