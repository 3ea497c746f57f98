package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/quota-harvester/internal/api/dto"
	"github.com/cuongbtq/quota-harvester/internal/ratelimit"
)

// defaultRoute is the key under which the Default bucket is reported.
const defaultRoute = "default"

// GetAPIStats handles GET /api/v1/api-stats
func (h *StatsHandler) GetAPIStats(c *gin.Context) {
	quotas := make(map[string]string, len(h.routes.Routes)+1)
	for _, name := range h.routes.RouteNames() {
		windows, _ := h.routes.Lookup(name)
		quotas[name] = ratelimit.FormatBucket(windows)
	}
	windows, _ := h.routes.Lookup("")
	quotas[defaultRoute] = ratelimit.FormatBucket(windows)

	c.JSON(http.StatusOK, dto.APIStatsResponse{
		Snapshot: h.stats.Snapshot(),
		Quotas:   quotas,
	})
}

// ResetThrottled handles POST /api/v1/api-stats/reset-throttled
func (h *StatsHandler) ResetThrottled(c *gin.Context) {
	h.stats.ResetThrottled()
	h.logger.Info("Throttled counter reset")
	c.Status(http.StatusNoContent)
}
