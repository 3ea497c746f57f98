package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/quota-harvester/internal/api/handler"
)

// Options tunes the middleware stack.
type Options struct {
	RequestsPerSecond float64
	Burst             int
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", handler.Health(deps))

	jobHandler := handler.NewJobHandler(deps)
	statsHandler := handler.NewStatsHandler(deps)

	v1 := r.Group("/api/v1")
	v1.Use(RateLimitMiddleware(opts.RequestsPerSecond, opts.Burst))
	{
		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List progress records
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get one progress record
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/stop - Ask the job to stop at its next safe point
			jobs.POST("/:job_id/stop", jobHandler.StopJob)
		}

		stats := v1.Group("/api-stats")
		{
			stats.GET("", statsHandler.GetAPIStats)
			stats.POST("/reset-throttled", statsHandler.ResetThrottled)
		}
	}

	return r
}
