// Health endpoint.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"runbox/internal/logging"
)

// healthPingTimeout bounds the broker round-trip so a hung redis cannot wedge
// the probe.
const healthPingTimeout = 2 * time.Second

// Health handles GET /health. The server field is always OK because the
// process answered; redis reflects a live broker ping.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()

	if err := h.Broker.Ping(ctx); err != nil {
		logging.L().Warn("Health check: redis unreachable", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"server": "OK",
			"redis":  "ERROR",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"server": "OK",
		"redis":  "OK",
	})
}
