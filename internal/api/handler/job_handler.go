package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/research-scheduler/internal/api/dto"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SubmitJob handles POST /api/v1/jobs
// Admits a research request into the queue
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	jobID, err := h.scheduler.Submit(c.Request.Context(), req.ToJobRequest())
	if err != nil {
		h.respondError(c, err, "Failed to submit job")
		return
	}

	h.logger.Info("Job submitted",
		slog.String("job_id", jobID),
		slog.Int("priority", req.Priority),
	)

	resp := dto.SubmitJobResponse{
		JobID:  jobID,
		Status: string(domain.StatusPending),
	}
	if pos, ok := h.scheduler.Position(jobID); ok {
		resp.QueuePosition = pos.Position
		resp.EstimatedWaitSeconds = int64(pos.EstimatedWait.Seconds())
	}

	c.JSON(http.StatusAccepted, resp)
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	status, err := h.scheduler.Status(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(status))
}

// GetJobResult handles GET /api/v1/jobs/:job_id/result
func (h *JobHandler) GetJobResult(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	result, err := h.scheduler.Result(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job result")
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetJobError handles GET /api/v1/jobs/:job_id/error
func (h *JobHandler) GetJobError(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	jobErr, err := h.scheduler.Error(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job error")
		return
	}

	c.JSON(http.StatusOK, jobErr)
}

// GetJobReport handles GET /api/v1/jobs/:job_id/report
// Returns the markdown report of a completed job
func (h *JobHandler) GetJobReport(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	report, err := h.scheduler.Report(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job report")
		return
	}

	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(report))
}

// GetJobPosition handles GET /api/v1/jobs/:job_id/position
func (h *JobHandler) GetJobPosition(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	pos, queued := h.scheduler.Position(jobID)
	if !queued {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job is not queued"})
		return
	}

	c.JSON(http.StatusOK, dto.PositionResponse{
		JobID:                jobID,
		Position:             pos.Position,
		EstimatedWaitSeconds: int64(pos.EstimatedWait.Seconds()),
	})
}

// AdjustPriority handles PATCH /api/v1/jobs/:job_id/priority
// Only queued jobs can be re-prioritised
func (h *JobHandler) AdjustPriority(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.AdjustPriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	adjusted, err := h.scheduler.AdjustPriority(c.Request.Context(), jobID, *req.Priority)
	if err != nil {
		h.respondError(c, err, "Failed to adjust priority")
		return
	}
	if !adjusted {
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "job is not queued"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":   jobID,
		"priority": *req.Priority,
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultPageSize
	}
	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}
	if req.Offset < 0 {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "offset must not be negative"})
		return
	}

	statuses, err := parseStatuses(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	res, err := h.scheduler.List(c.Request.Context(), storage.ListFilter{
		Limit:    req.Limit,
		Offset:   req.Offset,
		Statuses: statuses,
		Tags:     splitList(req.Tags),
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err, "Failed to list jobs")
		return
	}

	jobs := make([]dto.JobDTO, len(res.Jobs))
	for i, job := range res.Jobs {
		jobs[i] = dto.NewJobDTO(job)
	}

	var nextCursor string
	if res.NextCursor != nil {
		nextCursor = EncodeJobCursor(res.NextCursor)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		Total:      res.Total,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a pending or running job
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.CancelJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
			return
		}
	}

	cancelled, err := h.scheduler.Cancel(c.Request.Context(), jobID, req.Reason)
	if err != nil {
		h.respondError(c, err, "Failed to cancel job")
		return
	}

	status, err := h.scheduler.Status(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	h.logger.Info("Job cancel requested",
		slog.String("job_id", jobID),
		slog.Bool("cancelled", cancelled),
	)

	code := http.StatusOK
	if !cancelled {
		code = http.StatusConflict
	}
	c.JSON(code, dto.CancelJobResponse{
		JobID:     jobID,
		Cancelled: cancelled,
		Status:    string(status.Status),
	})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Permanently deletes a terminal job and its records
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.scheduler.Delete(c.Request.Context(), jobID); err != nil {
		h.respondError(c, err, "Failed to delete job")
		return
	}

	h.logger.Info("Job deleted", slog.String("job_id", jobID))
	c.Status(http.StatusNoContent)
}

// GetQueue handles GET /api/v1/queue
func (h *JobHandler) GetQueue(c *gin.Context) {
	stats, err := h.scheduler.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to get queue status")
		return
	}

	c.JSON(http.StatusOK, stats)
}

// jobID reads and validates the job_id path parameter
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return "", false
	}
	return jobID, true
}

func parseStatuses(raw string) ([]domain.Status, error) {
	parts := splitList(raw)
	if len(parts) == 0 {
		return nil, nil
	}

	statuses := make([]domain.Status, 0, len(parts))
	for _, p := range parts {
		s := domain.Status(strings.ToLower(p))
		if !s.IsValid() {
			return nil, errors.New("unknown status: " + p)
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}

	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
