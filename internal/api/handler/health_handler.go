package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/queue-worker/internal/worker"
	"github.com/gin-gonic/gin"
)

// HealthHandler serves liveness and pool status
type HealthHandler struct {
	logger      *slog.Logger
	serviceName string
	pinger      Pinger
	pool        PoolStatus
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:      deps.Logger,
		serviceName: deps.ServiceName,
		pinger:      deps.Pinger,
		pool:        deps.Pool,
	}
}

// Health handles GET /health. It reports unhealthy when the broker does not
// answer or the pool has stopped taking jobs.
func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"service": h.serviceName,
	}
	status := http.StatusOK

	if h.pool != nil {
		state := h.pool.Stats().State
		body["state"] = state
		if state == worker.StateDraining.String() || state == worker.StateTerminated.String() {
			body["status"] = "draining"
			status = http.StatusServiceUnavailable
		}
	}

	if h.pinger != nil {
		if err := h.pinger.Ping(c.Request.Context()); err != nil {
			h.logger.Warn("Broker health check failed", slog.String("error", err.Error()))
			body["status"] = "unhealthy"
			body["broker"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	c.JSON(status, body)
}

// Stats handles GET /stats
func (h *HealthHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Stats())
}
