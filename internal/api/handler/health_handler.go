package handler

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// Health handles GET /health. Each configured check is reported by name;
// any failure turns the response into a 503.
func Health(deps *Dependencies) gin.HandlerFunc {
	names := make([]string, 0, len(deps.Checks))
	for name := range deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		status := http.StatusOK
		checks := make(map[string]string, len(names))
		for _, name := range names {
			if err := deps.Checks[name](c.Request.Context()); err != nil {
				deps.Logger.Warn("Health check failed",
					slog.String("check", name),
					slog.Any("error", err),
				)
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":  state,
			"service": "quota-harvester-api",
			"checks":  checks,
		})
	}
}
