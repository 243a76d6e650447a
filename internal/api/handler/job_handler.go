package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/queue-worker/internal/api/dto"
	"github.com/cuongbtq/queue-worker/internal/producer"
	"github.com/cuongbtq/queue-worker/internal/worker/domain"
	"github.com/cuongbtq/queue-worker/shared/broker"
	"github.com/gin-gonic/gin"
)

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	opts := toOptions(req.Queue, req.Options)
	queue := h.enqueuer.QueueFor(req.Handler, opts)

	var (
		id  string
		err error
	)
	if req.At != nil {
		id, err = h.enqueuer.EnqueueAt(c.Request.Context(), req.Handler, req.Args, *req.At, opts)
	} else {
		id, err = h.enqueuer.Enqueue(c.Request.Context(), req.Handler, req.Args, opts)
	}
	if err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("handler", req.Handler),
			slog.String("error", err.Error()),
		)
		c.JSON(enqueueStatus(err), dto.ErrorResponse{Error: err.Error()})
		return
	}

	h.logger.Info("Job enqueued",
		slog.String("job_id", id),
		slog.String("handler", req.Handler),
	)
	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		JobID:   id,
		Queue:   queue,
		Handler: req.Handler,
	})
}

func toOptions(queue string, o *dto.JobOptions) producer.Options {
	opts := producer.Options{Queue: queue}
	if o == nil {
		return opts
	}

	opts.Timeout = time.Duration(o.Timeout * float64(time.Second))
	opts.Replicate = o.Replicate
	opts.Delay = time.Duration(o.Delay) * time.Second
	opts.Retry = time.Duration(o.Retry) * time.Second
	opts.TTL = time.Duration(o.TTL) * time.Second
	opts.MaxLen = o.MaxLen
	opts.Async = o.Async
	return opts
}

func enqueueStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrQueueFull):
		return http.StatusConflict
	case errors.Is(err, errors.ErrUnsupported):
		return http.StatusNotImplemented
	case broker.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if h.inspector == nil {
		c.JSON(http.StatusNotImplemented, dto.ErrorResponse{Error: "Broker does not support job inspection"})
		return
	}

	info, err := h.inspector.Show(c.Request.Context(), jobID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, info)
	case errors.Is(err, broker.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
	case errors.Is(err, errors.ErrUnsupported):
		c.JSON(http.StatusNotImplemented, dto.ErrorResponse{Error: "Broker does not support job inspection"})
	default:
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(inspectStatus(err), dto.ErrorResponse{Error: "Failed to get job"})
	}
}

// GetQueue handles GET /api/v1/queues/:queue
func (h *JobHandler) GetQueue(c *gin.Context) {
	queue := c.Param("queue")
	if h.inspector == nil {
		c.JSON(http.StatusNotImplemented, dto.ErrorResponse{Error: "Broker does not support queue inspection"})
		return
	}

	length, err := h.inspector.QueueLength(c.Request.Context(), queue)
	if err != nil {
		h.logger.Error("Failed to get queue length",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		c.JSON(inspectStatus(err), dto.ErrorResponse{Error: "Failed to get queue length"})
		return
	}

	c.JSON(http.StatusOK, dto.QueueResponse{Queue: queue, Length: length})
}

func inspectStatus(err error) int {
	if broker.IsUnavailable(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
