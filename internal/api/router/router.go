package router

import (
	"github.com/cuongbtq/queue-worker/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures the producer API
func SetupRouter(deps *handler.Dependencies, gatherer prometheus.Gatherer) *gin.Engine {
	r := newEngine(deps, gatherer)

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs/:job_id - Broker view of a job
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		// GET /api/v1/queues/:queue - Queue length
		v1.GET("/queues/:queue", jobHandler.GetQueue)
	}

	return r
}

// SetupAdminRouter configures the worker service's admin server
func SetupAdminRouter(deps *handler.Dependencies, gatherer prometheus.Gatherer) *gin.Engine {
	r := newEngine(deps, gatherer)

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/stats", healthHandler.Stats)

	return r
}

// newEngine sets up middleware, /health and /metrics
func newEngine(deps *handler.Dependencies, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", handler.NewHealthHandler(deps).Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
