// Router assembly: middleware chain and route registration.

package handlers

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"runbox/internal/metrics"
	"runbox/internal/middleware"
)

// requestTimeout bounds API request handling. Execution itself is
// asynchronous, so nothing here should ever take long.
const requestTimeout = 10 * time.Second

// Router assembles the gin engine with the full middleware chain and all
// routes registered.
func Router(h *Handler) *gin.Engine {
	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS())
	r.Use(middleware.Security())

	if metricsEnabled() {
		r.Use(metrics.Instrument())
		r.GET("/metrics", metrics.Handler())
	}

	r.POST("/run", middleware.Timeout(requestTimeout), middleware.SubmitRateLimit(), h.Run)
	r.GET("/results/:jobId", middleware.Timeout(requestTimeout), h.GetResult)
	r.GET("/health", h.Health)

	return r
}

// metricsEnabled reads ENABLE_METRICS, defaulting to on.
func metricsEnabled() bool {
	v := strings.TrimSpace(os.Getenv("ENABLE_METRICS"))
	if v == "" {
		return true
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return enabled
}
