package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/research-scheduler/internal/api/dto"
	"github.com/cuongbtq/research-scheduler/internal/scheduler"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/storage"
	"github.com/gin-gonic/gin"
)

// Scheduler is the caller surface of the background runner used by the handlers
type Scheduler interface {
	Submit(ctx context.Context, req domain.JobRequest) (string, error)
	Status(ctx context.Context, jobID string) (*domain.JobStatus, error)
	Result(ctx context.Context, jobID string) (*domain.JobResult, error)
	Error(ctx context.Context, jobID string) (*domain.JobError, error)
	Report(ctx context.Context, jobID string) (string, error)
	Cancel(ctx context.Context, jobID, reason string) (bool, error)
	List(ctx context.Context, filter storage.ListFilter) (*storage.ListResult, error)
	Delete(ctx context.Context, jobID string) error
	QueueStatus() scheduler.QueueStatus
	Position(jobID string) (scheduler.Position, bool)
	AdjustPriority(ctx context.Context, jobID string, priority int) (bool, error)
	Stats(ctx context.Context) (*scheduler.Stats, error)
}

// HealthCheck reports whether a downstream dependency is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Scheduler    Scheduler
	ServiceName  string
	HealthChecks map[string]HealthCheck
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	scheduler Scheduler
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		scheduler: deps.Scheduler,
	}
}

// respondError maps scheduler errors onto HTTP status codes
func (h *JobHandler) respondError(c *gin.Context, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrShutdown):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(message,
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
		c.JSON(status, dto.ErrorResponse{Error: message})
		return
	}

	c.JSON(status, dto.ErrorResponse{Error: err.Error()})
}
