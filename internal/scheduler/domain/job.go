package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// JobRequest is an immutable research submission
type JobRequest struct {
	Query          string            `json:"query" validate:"required,max=10000"`
	AgentType      string            `json:"agent_type" validate:"omitempty,max=64"`
	Priority       int               `json:"priority" validate:"min=-100,max=100"`
	Tags           []string          `json:"tags" validate:"max=32,dive,required,max=64"`
	Metadata       map[string]string `json:"metadata"`
	MaxIterations  *int              `json:"max_iterations,omitempty" validate:"omitempty,min=1,max=100"`
	MaxSearches    *int              `json:"max_searches,omitempty" validate:"omitempty,min=1,max=500"`
	TimeoutSeconds *int              `json:"timeout_seconds,omitempty" validate:"omitempty,min=1"`
}

// Validate checks the request against its field constraints
func (r *JobRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("%w: query must not be blank", ErrInvalidRequest)
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Iterations returns the iteration budget, falling back to the default
func (r *JobRequest) Iterations() int {
	if r.MaxIterations != nil {
		return *r.MaxIterations
	}
	return DefaultMaxIterations
}

// Searches returns the search budget, falling back to the default
func (r *JobRequest) Searches() int {
	if r.MaxSearches != nil {
		return *r.MaxSearches
	}
	return DefaultMaxSearches
}

// Timeout returns the per-request execution timeout, or zero when none was requested
func (r *JobRequest) Timeout() time.Duration {
	if r.TimeoutSeconds == nil {
		return 0
	}
	return time.Duration(*r.TimeoutSeconds) * time.Second
}

// JobStatus is the mutable execution record of a job
type JobStatus struct {
	JobID          string     `json:"job_id"`
	Status         Status     `json:"status"`
	Phase          Phase      `json:"phase"`
	Progress       int        `json:"progress"`
	CurrentStep    string     `json:"current_step"`
	StepsCompleted int        `json:"steps_completed"`
	TotalSteps     int        `json:"total_steps"`
	Priority       int        `json:"priority"`
	Tags           []string   `json:"tags"`
	Request        JobRequest `json:"request"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NewJobStatus builds the initial PENDING record for a request
func NewJobStatus(req JobRequest, now time.Time) *JobStatus {
	now = now.UTC()
	return &JobStatus{
		JobID:       uuid.New().String(),
		Status:      StatusPending,
		Phase:       PhaseQueued,
		Progress:    0,
		CurrentStep: PhaseQueued.Step(),
		Priority:    req.Priority,
		Tags:        req.Tags,
		Request:     req,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks the record invariants
func (s *JobStatus) Validate() error {
	if _, err := uuid.Parse(s.JobID); err != nil {
		return fmt.Errorf("job_id %q is not a valid UUID", s.JobID)
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.Progress < 0 || s.Progress > 100 {
		return fmt.Errorf("progress %d out of range [0,100]", s.Progress)
	}
	if (s.Status == StatusCompleted) != (s.Progress == 100) {
		return fmt.Errorf("status %s inconsistent with progress %d", s.Status, s.Progress)
	}
	if s.Status == StatusPending && s.Progress != 0 {
		return fmt.Errorf("pending job must have zero progress, got %d", s.Progress)
	}
	if s.Status == StatusRunning && (s.Progress <= 0 || s.Progress >= 100) {
		return fmt.Errorf("running job progress must be in (0,100), got %d", s.Progress)
	}
	if s.Status.IsTerminal() != (s.CompletedAt != nil) {
		return fmt.Errorf("completed_at must be set iff status is terminal (status %s)", s.Status)
	}
	if s.TotalSteps > 0 && s.StepsCompleted > s.TotalSteps {
		return fmt.Errorf("steps_completed %d exceeds total_steps %d", s.StepsCompleted, s.TotalSteps)
	}
	return nil
}

// HasAnyTag reports whether the job carries at least one of tags
func (s *JobStatus) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range s.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of the record
func (s *JobStatus) Clone() *JobStatus {
	c := *s
	c.Tags = cloneStrings(s.Tags)
	c.Request.Tags = cloneStrings(s.Request.Tags)
	if s.Request.Metadata != nil {
		c.Request.Metadata = make(map[string]string, len(s.Request.Metadata))
		for k, v := range s.Request.Metadata {
			c.Request.Metadata[k] = v
		}
	}
	c.Request.MaxIterations = cloneInt(s.Request.MaxIterations)
	c.Request.MaxSearches = cloneInt(s.Request.MaxSearches)
	c.Request.TimeoutSeconds = cloneInt(s.Request.TimeoutSeconds)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	return &c
}

// Source is a reference forwarded by the agent
type Source struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Message is one turn of the agent conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Metrics summarises an execution
type Metrics struct {
	ExecutionSeconds  float64 `json:"execution_seconds"`
	SourcesCount      int     `json:"sources_count"`
	ConversationTurns int     `json:"conversation_turns"`
	EstimatedTokens   int     `json:"estimated_tokens"`
	EstimatedCost     float64 `json:"estimated_cost"`
}

// JobResult is the successful output of a job
type JobResult struct {
	JobID        string            `json:"job_id"`
	FinalAnswer  string            `json:"final_answer"`
	Sources      []Source          `json:"sources"`
	Metrics      Metrics           `json:"metrics"`
	Conversation []Message         `json:"conversation"`
	Artifacts    map[string]string `json:"artifacts"`
	QualityScore float64           `json:"quality_score"`
	CreatedAt    time.Time         `json:"created_at"`
}

// JobError is the structured failure record of a job
type JobError struct {
	JobID            string            `json:"job_id"`
	ErrorType        ErrorType         `json:"error_type"`
	Severity         Severity          `json:"severity"`
	Message          string            `json:"message"`
	Details          map[string]string `json:"details"`
	RetryCount       int               `json:"retry_count"`
	IsRetryable      bool              `json:"is_retryable"`
	SuggestedActions []string          `json:"suggested_actions"`
	StackTrace       string            `json:"stack_trace,omitempty"`
	OccurredAt       time.Time         `json:"occurred_at"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
