package dto

import (
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
)

type SubmitJobRequest struct {
	Query          string            `json:"query" binding:"required"`
	AgentType      string            `json:"agent_type"`
	Priority       int               `json:"priority" binding:"min=-100,max=100"`
	Tags           []string          `json:"tags"`
	Metadata       map[string]string `json:"metadata"`
	MaxIterations  *int              `json:"max_iterations"`
	MaxSearches    *int              `json:"max_searches"`
	TimeoutSeconds *int              `json:"timeout_seconds"`
}

// ToJobRequest converts the body into the scheduler's request type
func (r *SubmitJobRequest) ToJobRequest() domain.JobRequest {
	return domain.JobRequest{
		Query:          r.Query,
		AgentType:      r.AgentType,
		Priority:       r.Priority,
		Tags:           r.Tags,
		Metadata:       r.Metadata,
		MaxIterations:  r.MaxIterations,
		MaxSearches:    r.MaxSearches,
		TimeoutSeconds: r.TimeoutSeconds,
	}
}

type SubmitJobResponse struct {
	JobID                string `json:"job_id"`
	Status               string `json:"status"`
	QueuePosition        int    `json:"queue_position,omitempty"`
	EstimatedWaitSeconds int64  `json:"estimated_wait_seconds,omitempty"`
}

type ListJobsRequest struct {
	Status string `form:"status"`
	Tags   string `form:"tags"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
	Cursor string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	Total      int      `json:"total"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string   `json:"job_id"`
	Query          string   `json:"query"`
	Status         string   `json:"status"`
	Phase          string   `json:"phase"`
	Progress       int      `json:"progress"`
	CurrentStep    string   `json:"current_step"`
	StepsCompleted int      `json:"steps_completed"`
	TotalSteps     int      `json:"total_steps"`
	Priority       int      `json:"priority"`
	Tags           []string `json:"tags"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	StartedAt      string   `json:"started_at,omitempty"`
	CompletedAt    string   `json:"completed_at,omitempty"`
}

// NewJobDTO flattens a stored status for the API
func NewJobDTO(status *domain.JobStatus) JobDTO {
	tags := status.Tags
	if tags == nil {
		tags = []string{}
	}

	return JobDTO{
		JobID:          status.JobID,
		Query:          status.Request.Query,
		Status:         string(status.Status),
		Phase:          string(status.Phase),
		Progress:       status.Progress,
		CurrentStep:    status.CurrentStep,
		StepsCompleted: status.StepsCompleted,
		TotalSteps:     status.TotalSteps,
		Priority:       status.Priority,
		Tags:           tags,
		ErrorMessage:   status.ErrorMessage,
		CreatedAt:      status.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      status.UpdatedAt.Format(time.RFC3339),
		StartedAt:      formatTime(status.StartedAt),
		CompletedAt:    formatTime(status.CompletedAt),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

type CancelJobRequest struct {
	Reason string `json:"reason"`
}

type CancelJobResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

type AdjustPriorityRequest struct {
	Priority *int `json:"priority" binding:"required,min=-100,max=100"`
}

type PositionResponse struct {
	JobID                string `json:"job_id"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int64  `json:"estimated_wait_seconds"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
