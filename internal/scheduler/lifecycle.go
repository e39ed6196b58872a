package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/storage"
)

// LifecycleConfig holds phase tracking and timeout settings
type LifecycleConfig struct {
	MaxExecutionTime     time.Duration
	TimeoutCheckInterval time.Duration
	StaleCleanupInterval time.Duration
	StaleTrackingTTL     time.Duration
}

// Aborter stops an in-flight execution without waiting for it
type Aborter interface {
	AbortJob(jobID string, cause error) bool
}

type trackedJob struct {
	phase      domain.Phase
	startedAt  time.Time
	deadline   time.Time
	lastUpdate time.Time
	steps      int
	totalSteps int
}

// LifecycleManager moves jobs through their phases, keeping the Store and an
// in-memory mirror in step, and enforces execution deadlines
type LifecycleManager struct {
	store      *storage.Store
	events     EventPublisher
	classifier *Classifier
	config     LifecycleConfig
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	jobs    map[string]*trackedJob
	aborter Aborter
}

// NewLifecycleManager creates a new LifecycleManager
func NewLifecycleManager(store *storage.Store, events EventPublisher, classifier *Classifier, config LifecycleConfig, logger *slog.Logger) *LifecycleManager {
	if events == nil {
		events = NoopPublisher{}
	}
	return &LifecycleManager{
		store:      store,
		events:     events,
		classifier: classifier,
		config:     config,
		logger:     logger,
		now:        time.Now,
		jobs:       make(map[string]*trackedJob),
	}
}

// SetAborter registers the component that stops executions on timeout
func (m *LifecycleManager) SetAborter(a Aborter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborter = a
}

func (m *LifecycleManager) publish(ctx context.Context, t EventType, status *domain.JobStatus, message string) {
	if err := m.events.Publish(ctx, newEvent(t, status, message)); err != nil {
		m.logger.Warn("Failed to publish lifecycle event",
			slog.String("job_id", status.JobID),
			slog.String("event", string(t)),
			slog.Any("error", err),
		)
	}
}

// SubmitJob persists a new PENDING job in the queued phase
func (m *LifecycleManager) SubmitJob(ctx context.Context, req domain.JobRequest) (*domain.JobStatus, error) {
	status, err := m.store.CreateJob(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	now := m.now()
	m.mu.Lock()
	m.jobs[status.JobID] = &trackedJob{
		phase:      domain.PhaseQueued,
		lastUpdate: now,
	}
	m.mu.Unlock()

	m.logger.Info("Job submitted",
		slog.String("job_id", status.JobID),
		slog.Int("priority", status.Priority),
	)
	m.publish(ctx, EventJobSubmitted, status, "")

	return status, nil
}

// StartJobExecution marks a job RUNNING and arms its execution deadline
func (m *LifecycleManager) StartJobExecution(ctx context.Context, jobID string, req domain.JobRequest) (*domain.JobStatus, error) {
	status, err := m.store.StartJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// the job is RUNNING from here on, so a failed step estimate must not abort the start
	total := m.EstimateTotalSteps(req)
	if updated, err := m.store.UpdateProgress(ctx, jobID, storage.ProgressUpdate{
		TotalSteps:     total,
		StepsCompleted: 1,
	}); err != nil {
		m.logger.Warn("Failed to record job step estimate",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	} else {
		status = updated
	}

	timeout := req.Timeout()
	if timeout <= 0 {
		timeout = m.config.MaxExecutionTime
	}

	now := m.now()
	tracked := &trackedJob{
		phase:      domain.PhaseStarting,
		startedAt:  now,
		lastUpdate: now,
		steps:      1,
		totalSteps: total,
	}
	if timeout > 0 {
		tracked.deadline = now.Add(timeout)
	}

	m.mu.Lock()
	m.jobs[jobID] = tracked
	m.mu.Unlock()

	m.logger.Info("Job execution started",
		slog.String("job_id", jobID),
		slog.Duration("timeout", timeout),
	)
	m.publish(ctx, EventJobStarted, status, "")

	return status, nil
}

// UpdateJobPhase records a phase or step change of a running job. Moves to an
// earlier phase keep the current phase and only update the step text.
func (m *LifecycleManager) UpdateJobPhase(ctx context.Context, jobID string, phase domain.Phase, step string) error {
	if phase.IsTerminal() {
		return fmt.Errorf("%w: terminal phase %s must be set through complete, fail or cancel", domain.ErrInvalidTransition, phase)
	}
	if step == "" {
		step = phase.Step()
	}

	current, steps, changed := phase, 0, true

	m.mu.Lock()
	if tracked, ok := m.jobs[jobID]; ok {
		changed = phase != tracked.phase && tracked.phase.CanAdvanceTo(phase)
		if changed {
			tracked.phase = phase
		}
		tracked.steps++
		if tracked.totalSteps > 0 && tracked.steps > tracked.totalSteps {
			tracked.steps = tracked.totalSteps
		}
		tracked.lastUpdate = m.now()
		current, steps = tracked.phase, tracked.steps
	}
	m.mu.Unlock()

	status, err := m.store.UpdateProgress(ctx, jobID, storage.ProgressUpdate{
		Phase:          current,
		Progress:       current.Progress(),
		Step:           step,
		StepsCompleted: steps,
	})
	if err != nil {
		return err
	}

	if changed {
		m.logger.Debug("Job phase changed",
			slog.String("job_id", jobID),
			slog.String("phase", string(current)),
		)
		m.publish(ctx, EventJobPhase, status, step)
	}
	return nil
}

func (m *LifecycleManager) untrack(jobID string) {
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()
}

// CompleteJob marks a job COMPLETED
func (m *LifecycleManager) CompleteJob(ctx context.Context, jobID string) error {
	status, err := m.store.CompleteJob(ctx, jobID)
	if err != nil {
		return err
	}
	m.untrack(jobID)

	m.logger.Info("Job completed",
		slog.String("job_id", jobID),
	)
	m.publish(ctx, EventJobCompleted, status, "")
	return nil
}

// FailJob marks a job FAILED and stores its error record. A job that already
// reached a terminal state is left untouched.
func (m *LifecycleManager) FailJob(ctx context.Context, jobID string, jobErr *domain.JobError) error {
	status, err := m.store.FailJob(ctx, jobID, jobErr.Message)
	if err != nil {
		return err
	}
	m.untrack(jobID)

	if err := m.store.SaveError(ctx, jobErr); err != nil {
		m.logger.Error("Failed to save job error",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	m.logger.Warn("Job failed",
		slog.String("job_id", jobID),
		slog.String("error_type", string(jobErr.ErrorType)),
		slog.String("severity", string(jobErr.Severity)),
		slog.String("error", jobErr.Message),
	)
	m.publish(ctx, EventJobFailed, status, jobErr.Message)
	return nil
}

// CancelJob marks a job CANCELLED; it returns false when the job was already terminal
func (m *LifecycleManager) CancelJob(ctx context.Context, jobID, reason string) (bool, error) {
	cancelled, err := m.store.CancelJob(ctx, jobID, reason)
	if err != nil {
		return false, err
	}
	m.untrack(jobID)

	if !cancelled {
		return false, nil
	}

	m.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
	if status, err := m.store.GetJob(ctx, jobID); err == nil {
		m.publish(ctx, EventJobCancelled, status, reason)
	}
	return true, nil
}

// RunTimeoutMonitor fails tracked jobs that outlive their deadline until ctx is done
func (m *LifecycleManager) RunTimeoutMonitor(ctx context.Context) error {
	m.logger.Info("Timeout monitor started",
		slog.Duration("interval", m.config.TimeoutCheckInterval),
		slog.Duration("max_execution_time", m.config.MaxExecutionTime),
	)

	ticker := time.NewTicker(m.config.TimeoutCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Timeout monitor stopped")
			return nil
		case <-ticker.C:
			m.checkTimeouts(ctx)
		}
	}
}

func (m *LifecycleManager) checkTimeouts(ctx context.Context) {
	now := m.now()

	type expiredJob struct {
		id      string
		elapsed time.Duration
	}

	m.mu.Lock()
	var expired []expiredJob
	for id, tracked := range m.jobs {
		if !tracked.deadline.IsZero() && now.After(tracked.deadline) {
			expired = append(expired, expiredJob{id: id, elapsed: now.Sub(tracked.startedAt)})
		}
	}
	aborter := m.aborter
	m.mu.Unlock()

	for _, job := range expired {
		cause := fmt.Errorf("%w (ran for %s)", domain.ErrExecutionTimeout, job.elapsed.Round(time.Second))
		jobErr := m.classifier.ClassifyAs(job.id, domain.ErrorTypeTimeout, cause)

		if err := m.FailJob(ctx, job.id, jobErr); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobNotFound) {
				m.untrack(job.id)
				continue
			}
			m.logger.Error("Failed to fail timed out job",
				slog.String("job_id", job.id),
				slog.Any("error", err),
			)
			continue
		}

		if aborter != nil {
			aborter.AbortJob(job.id, domain.ErrExecutionTimeout)
		}
	}
}

// RunStaleCleanup drops mirror entries that have not been updated for the
// tracking TTL. The Store is never touched.
func (m *LifecycleManager) RunStaleCleanup(ctx context.Context) error {
	ticker := time.NewTicker(m.config.StaleCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := m.cleanupStale(); removed > 0 {
				m.logger.Info("Stale job tracking removed",
					slog.Int("removed", removed),
				)
			}
		}
	}
}

func (m *LifecycleManager) cleanupStale() int {
	cutoff := m.now().Add(-m.config.StaleTrackingTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, tracked := range m.jobs {
		if tracked.lastUpdate.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}

// Phase returns the tracked phase of a job
func (m *LifecycleManager) Phase(jobID string) (domain.Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracked, ok := m.jobs[jobID]
	if !ok {
		return "", false
	}
	return tracked.phase, true
}

// TrackedCount returns the number of jobs in the mirror
func (m *LifecycleManager) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// EstimateTotalSteps guesses how many progress steps a request will take:
// one per search, one per iteration plus start, generation and finalization
func (m *LifecycleManager) EstimateTotalSteps(req domain.JobRequest) int {
	return req.Searches() + req.Iterations() + 3
}

// EstimateCompletionTime extrapolates the finish time of a running job from
// its elapsed time and phase progress
func (m *LifecycleManager) EstimateCompletionTime(jobID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracked, ok := m.jobs[jobID]
	if !ok || tracked.startedAt.IsZero() {
		return time.Time{}, false
	}

	progress := tracked.phase.Progress()
	if progress <= 0 {
		return time.Time{}, false
	}

	elapsed := m.now().Sub(tracked.startedAt)
	total := time.Duration(float64(elapsed) * 100 / float64(progress))
	return tracked.startedAt.Add(total), true
}
