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
	"golang.org/x/sync/errgroup"
)

// Config groups the settings of every scheduler component
type Config struct {
	Executor               ExecutorConfig
	Queue                  QueueConfig
	Lifecycle              LifecycleConfig
	RetentionWindow        time.Duration
	RetentionCheckInterval time.Duration
	LockCleanupInterval    time.Duration
	RecoverOnStart         bool
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Executor: ExecutorConfig{
			MaxConcurrentJobs: 5,
			CancelTimeout:     30 * time.Second,
		},
		Queue: QueueConfig{
			MaxQueueSize:      100,
			DispatchBatchSize: 5,
			CheckInterval:     time.Second,
			StartRetry: RetryPolicy{
				MaxRetries: 3,
				BaseDelay:  200 * time.Millisecond,
				MaxDelay:   5 * time.Second,
			},
			DefaultJobDuration: 5 * time.Minute,
		},
		Lifecycle: LifecycleConfig{
			MaxExecutionTime:     2 * time.Hour,
			TimeoutCheckInterval: time.Minute,
			StaleCleanupInterval: time.Hour,
			StaleTrackingTTL:     24 * time.Hour,
		},
		RetentionWindow:        24 * time.Hour,
		RetentionCheckInterval: time.Hour,
		LockCleanupInterval:    10 * time.Minute,
		RecoverOnStart:         true,
	}
}

// Position describes where a queued job stands
type Position struct {
	JobID         string        `json:"job_id"`
	Position      int           `json:"position"`
	EstimatedWait time.Duration `json:"estimated_wait"`
}

// Stats combines queue, execution and storage statistics
type Stats struct {
	Queue       QueueStatus           `json:"queue"`
	Execution   ExecutionStats        `json:"execution"`
	StatusCount map[domain.Status]int `json:"status_count"`
	Tracked     int                   `json:"tracked_jobs"`
}

// Runner composes the scheduler components and drives their background loops
type Runner struct {
	store     *storage.Store
	lifecycle *LifecycleManager
	executor  *Executor
	queue     *QueueManager
	config    Config
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	release func() error
	started bool
}

// NewRunner wires the scheduler components together
func NewRunner(store *storage.Store, agents AgentProvider, events EventPublisher, config Config, logger *slog.Logger) *Runner {
	classifier := NewClassifier()
	lifecycle := NewLifecycleManager(store, events, classifier, config.Lifecycle, logger.With(slog.String("component", "lifecycle")))
	executor := NewExecutor(store, lifecycle, agents, classifier, config.Executor, logger.With(slog.String("component", "executor")))
	queue := NewQueueManager(executor, lifecycle, store, classifier, config.Queue, logger.With(slog.String("component", "queue")))

	return &Runner{
		store:     store,
		lifecycle: lifecycle,
		executor:  executor,
		queue:     queue,
		config:    config,
		logger:    logger,
	}
}

// Start takes ownership of the store, recovers persisted jobs when configured
// and launches the background loops. It fails with domain.ErrStoreOwned when
// another runner already owns the store.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("runner already started")
	}

	release, err := r.store.AcquireOwnership(ctx)
	if err != nil {
		return fmt.Errorf("failed to take ownership of job store: %w", err)
	}

	if r.config.RecoverOnStart {
		if _, err := r.queue.RecoverJobs(ctx); err != nil {
			if releaseErr := release(); releaseErr != nil {
				r.logger.Warn("Failed to release job store", slog.Any("error", releaseErr))
			}
			return fmt.Errorf("failed to recover jobs: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(loopCtx)

	group.Go(func() error { return r.queue.Run(groupCtx) })
	group.Go(func() error { return r.lifecycle.RunTimeoutMonitor(groupCtx) })
	group.Go(func() error { return r.lifecycle.RunStaleCleanup(groupCtx) })
	group.Go(func() error { return r.store.RunLockCleanup(groupCtx, r.config.LockCleanupInterval) })
	group.Go(func() error { return r.runRetention(groupCtx) })

	r.cancel = cancel
	r.group = group
	r.release = release
	r.started = true

	r.logger.Info("Background runner started",
		slog.Int("max_concurrent_jobs", r.config.Executor.MaxConcurrentJobs),
		slog.Int("max_queue_size", r.config.Queue.MaxQueueSize),
	)
	return nil
}

// Stop cancels the background loops and every running job, waiting for them until ctx is done
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel, group, release := r.cancel, r.group, r.release
	r.mu.Unlock()

	cancel()
	loopErr := group.Wait()

	if err := r.executor.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop executor: %w", err)
	}
	if err := release(); err != nil {
		r.logger.Warn("Failed to release job store", slog.Any("error", err))
	}
	if loopErr != nil {
		return fmt.Errorf("background loop failed: %w", loopErr)
	}

	r.logger.Info("Background runner stopped")
	return nil
}

func (r *Runner) runRetention(ctx context.Context) error {
	ticker := time.NewTicker(r.config.RetentionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.store.CleanupOldJobs(ctx, r.config.RetentionWindow); err != nil {
				r.logger.Error("Retention cleanup failed",
					slog.Any("error", err),
				)
			}
		}
	}
}

// Submit admits a new job and returns its id
func (r *Runner) Submit(ctx context.Context, req domain.JobRequest) (string, error) {
	return r.queue.SubmitJob(ctx, req)
}

// Status returns the stored status of a job
func (r *Runner) Status(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	return r.store.GetJob(ctx, jobID)
}

// Result returns the result of a completed job
func (r *Runner) Result(ctx context.Context, jobID string) (*domain.JobResult, error) {
	return r.store.GetResult(ctx, jobID)
}

// Error returns the error record of a failed or cancelled job
func (r *Runner) Error(ctx context.Context, jobID string) (*domain.JobError, error) {
	return r.store.GetError(ctx, jobID)
}

// Report returns the markdown report of a completed job
func (r *Runner) Report(ctx context.Context, jobID string) (string, error) {
	return r.store.GetReport(ctx, jobID)
}

// Cancel cancels a job wherever it is; false means it was already terminal
func (r *Runner) Cancel(ctx context.Context, jobID, reason string) (bool, error) {
	return r.queue.CancelJob(ctx, jobID, reason)
}

// List returns a filtered page of jobs
func (r *Runner) List(ctx context.Context, filter storage.ListFilter) (*storage.ListResult, error) {
	return r.store.ListJobs(ctx, filter)
}

// Delete removes a terminal job and all its records
func (r *Runner) Delete(ctx context.Context, jobID string) error {
	status, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !status.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, status.Status)
	}
	return r.store.DeleteJob(ctx, jobID)
}

// QueueStatus returns queue utilisation
func (r *Runner) QueueStatus() QueueStatus {
	return r.queue.GetQueueStatus()
}

// Position returns the queue position of a pending job
func (r *Runner) Position(jobID string) (Position, bool) {
	position, ok := r.queue.GetJobPosition(jobID)
	if !ok {
		return Position{}, false
	}
	wait, _ := r.queue.GetEstimatedWaitTime(jobID)
	return Position{
		JobID:         jobID,
		Position:      position,
		EstimatedWait: wait,
	}, true
}

// AdjustPriority changes the priority of a queued job
func (r *Runner) AdjustPriority(ctx context.Context, jobID string, priority int) (bool, error) {
	return r.queue.AdjustJobPriority(ctx, jobID, priority)
}

// Stats returns combined scheduler statistics
func (r *Runner) Stats(ctx context.Context) (*Stats, error) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Queue:       r.queue.GetQueueStatus(),
		Execution:   r.executor.GetExecutionStats(),
		StatusCount: counts,
		Tracked:     r.lifecycle.TrackedCount(),
	}, nil
}
