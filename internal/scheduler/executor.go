package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/agent"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/storage"
)

// AgentProvider builds the agent for a job
type AgentProvider interface {
	Check(agentType string) error
	New(agentType string) (agent.Agent, error)
}

// ExecutorConfig holds execution limits
type ExecutorConfig struct {
	MaxConcurrentJobs int
	CancelTimeout     time.Duration
}

// ExecutionStats summarises executions since start-up
type ExecutionStats struct {
	Started              int           `json:"started"`
	Completed            int           `json:"completed"`
	Failed               int           `json:"failed"`
	Cancelled            int           `json:"cancelled"`
	Running              int           `json:"running"`
	MaxConcurrent        int           `json:"max_concurrent"`
	TotalExecutionTime   time.Duration `json:"total_execution_time"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
}

type execution struct {
	jobID     string
	cancel    context.CancelCauseFunc
	done      chan struct{}
	startedAt time.Time
	reason    string
}

type agentOutcome struct {
	out       *agent.Output
	err       error
	recovered any
	stack     []byte
}

// Executor runs jobs against agents with a bound on concurrent executions.
// Every running job owns exactly one goroutine and one entry in the running map.
type Executor struct {
	store      *storage.Store
	lifecycle  *LifecycleManager
	agents     AgentProvider
	classifier *Classifier
	config     ExecutorConfig
	logger     *slog.Logger
	now        func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	running  map[string]*execution
	closed   bool
	stats    ExecutionStats
	finished int
}

// NewExecutor creates a new Executor
func NewExecutor(store *storage.Store, lifecycle *LifecycleManager, agents AgentProvider, classifier *Classifier, config ExecutorConfig, logger *slog.Logger) *Executor {
	baseCtx, baseCancel := context.WithCancelCause(context.Background())

	e := &Executor{
		store:      store,
		lifecycle:  lifecycle,
		agents:     agents,
		classifier: classifier,
		config:     config,
		logger:     logger,
		now:        time.Now,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		running:    make(map[string]*execution),
	}
	lifecycle.SetAborter(e)
	return e
}

// CanStartJob reports whether a concurrency slot is free
func (e *Executor) CanStartJob() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && len(e.running) < e.config.MaxConcurrentJobs
}

// AvailableSlots returns the number of free concurrency slots
func (e *Executor) AvailableSlots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}
	return max(e.config.MaxConcurrentJobs-len(e.running), 0)
}

// RunningCount returns the number of in-flight executions
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// IsRunning reports whether jobID has an in-flight execution
func (e *Executor) IsRunning(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[jobID]
	return ok
}

// CheckAgent rejects requests naming an agent type that cannot be built
func (e *Executor) CheckAgent(agentType string) error {
	if err := e.agents.Check(agentType); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	return nil
}

// StartJob begins executing a job. An empty jobID creates the job record first.
// The job must be PENDING; it is RUNNING when StartJob returns.
func (e *Executor) StartJob(ctx context.Context, jobID string, req domain.JobRequest) (string, error) {
	if jobID == "" {
		if err := e.CheckAgent(req.AgentType); err != nil {
			return "", err
		}
		status, err := e.lifecycle.SubmitJob(ctx, req)
		if err != nil {
			return "", err
		}
		jobID = status.JobID
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", domain.ErrShutdown
	}
	if _, ok := e.running[jobID]; ok {
		e.mu.Unlock()
		return "", domain.ErrJobAlreadyRunning
	}
	if len(e.running) >= e.config.MaxConcurrentJobs {
		e.mu.Unlock()
		return "", domain.ErrCapacityExhausted
	}

	execCtx, cancel := context.WithCancelCause(e.baseCtx)
	exec := &execution{
		jobID:     jobID,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: e.now(),
	}
	e.running[jobID] = exec
	e.wg.Add(1)
	e.mu.Unlock()

	if _, err := e.lifecycle.StartJobExecution(ctx, jobID, req); err != nil {
		e.mu.Lock()
		delete(e.running, jobID)
		e.mu.Unlock()
		cancel(nil)
		close(exec.done)
		e.wg.Done()
		return "", fmt.Errorf("failed to start job %s: %w", jobID, err)
	}

	e.mu.Lock()
	e.stats.Started++
	e.mu.Unlock()

	go e.run(execCtx, exec, req)

	return jobID, nil
}

func (e *Executor) run(execCtx context.Context, exec *execution, req domain.JobRequest) {
	// store writes must survive cancellation of the job context
	persistCtx := context.WithoutCancel(execCtx)
	outcome := domain.StatusFailed

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Job execution panicked",
				slog.String("job_id", exec.jobID),
				slog.Any("panic", r),
			)
			e.fail(persistCtx, exec.jobID, e.classifier.ClassifyPanic(exec.jobID, r))
			outcome = domain.StatusFailed
		}
		e.finish(exec, outcome)
	}()

	e.logger.Info("Executing job",
		slog.String("job_id", exec.jobID),
		slog.String("agent_type", req.AgentType),
	)

	if timeout := req.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeoutCause(execCtx, timeout, domain.ErrExecutionTimeout)
		defer cancel()
	}

	jobCtx := agent.WithPhaseReporter(execCtx, func(phase domain.Phase, step string) {
		if err := e.lifecycle.UpdateJobPhase(persistCtx, exec.jobID, phase, step); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			e.logger.Warn("Failed to record job phase",
				slog.String("job_id", exec.jobID),
				slog.String("phase", string(phase)),
				slog.Any("error", err),
			)
		}
	})

	agent.ReportPhase(jobCtx, domain.PhaseResearching, "")

	a, err := e.agents.New(req.AgentType)
	if err != nil {
		e.fail(persistCtx, exec.jobID, e.classifier.ClassifyAs(exec.jobID, domain.ErrorTypeAgent, err))
		return
	}

	results := make(chan agentOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- agentOutcome{recovered: r, stack: debug.Stack()}
			}
		}()
		out, err := a.Execute(jobCtx, req.Query, agent.Budget{
			MaxIterations: req.Iterations(),
			MaxSearches:   req.Searches(),
		})
		results <- agentOutcome{out: out, err: err}
	}()

	var res agentOutcome
	select {
	case <-execCtx.Done():
		outcome = e.interrupted(persistCtx, exec, context.Cause(execCtx))
		return
	case res = <-results:
	}

	switch {
	case res.recovered != nil:
		jobErr := e.classifier.ClassifyPanic(exec.jobID, res.recovered)
		jobErr.StackTrace = string(res.stack)
		e.fail(persistCtx, exec.jobID, jobErr)
		return
	case res.err != nil:
		if execCtx.Err() != nil {
			outcome = e.interrupted(persistCtx, exec, context.Cause(execCtx))
			return
		}
		e.fail(persistCtx, exec.jobID, e.classifier.Classify(exec.jobID, res.err))
		return
	case res.out == nil:
		e.fail(persistCtx, exec.jobID, e.classifier.ClassifyAs(exec.jobID, domain.ErrorTypeAgent,
			&domain.AgentError{AgentType: req.AgentType, Err: errors.New("agent returned no output")}))
		return
	}

	if err := e.finalize(persistCtx, exec, res.out); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			e.logger.Warn("Job reached a terminal state before completion was recorded",
				slog.String("job_id", exec.jobID),
			)
			return
		}
		e.fail(persistCtx, exec.jobID, e.classifier.ClassifyAs(exec.jobID, domain.ErrorTypeSystem, err))
		return
	}
	outcome = domain.StatusCompleted
}

// finalize persists the result and report and marks the job COMPLETED
func (e *Executor) finalize(ctx context.Context, exec *execution, out *agent.Output) error {
	if err := e.lifecycle.UpdateJobPhase(ctx, exec.jobID, domain.PhaseFinalizing, ""); err != nil {
		return err
	}

	result := buildResult(exec.jobID, out, e.now().Sub(exec.startedAt), e.now())
	if err := e.store.SaveResult(ctx, result); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	status, err := e.store.GetJob(ctx, exec.jobID)
	if err != nil {
		return fmt.Errorf("failed to load job for report: %w", err)
	}
	if err := e.store.SaveReport(ctx, exec.jobID, renderReport(status, result)); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	return e.lifecycle.CompleteJob(ctx, exec.jobID)
}

// interrupted records the terminal state of a job whose context was cancelled
func (e *Executor) interrupted(ctx context.Context, exec *execution, cause error) domain.Status {
	switch {
	case errors.Is(cause, domain.ErrUserCancelled):
		e.mu.Lock()
		reason := exec.reason
		e.mu.Unlock()
		if reason == "" {
			reason = cause.Error()
		}
		e.cancelInStore(ctx, exec.jobID, reason)
		return domain.StatusCancelled
	case errors.Is(cause, domain.ErrShutdown):
		e.cancelInStore(ctx, exec.jobID, cause.Error())
		return domain.StatusCancelled
	case errors.Is(cause, domain.ErrExecutionTimeout):
		e.fail(ctx, exec.jobID, e.classifier.ClassifyAs(exec.jobID, domain.ErrorTypeTimeout, cause))
		return domain.StatusFailed
	default:
		e.fail(ctx, exec.jobID, e.classifier.Classify(exec.jobID, cause))
		return domain.StatusFailed
	}
}

func (e *Executor) cancelInStore(ctx context.Context, jobID, reason string) {
	if _, err := e.lifecycle.CancelJob(ctx, jobID, reason); err != nil {
		e.logger.Error("Failed to mark job cancelled",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func (e *Executor) fail(ctx context.Context, jobID string, jobErr *domain.JobError) {
	if err := e.lifecycle.FailJob(ctx, jobID, jobErr); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return
		}
		e.logger.Error("Failed to mark job failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

func (e *Executor) finish(exec *execution, outcome domain.Status) {
	elapsed := e.now().Sub(exec.startedAt)

	e.mu.Lock()
	delete(e.running, exec.jobID)
	switch outcome {
	case domain.StatusCompleted:
		e.stats.Completed++
	case domain.StatusCancelled:
		e.stats.Cancelled++
	default:
		e.stats.Failed++
	}
	e.stats.TotalExecutionTime += elapsed
	e.finished++
	e.mu.Unlock()

	exec.cancel(nil)
	close(exec.done)
	e.wg.Done()

	e.logger.Info("Job execution finished",
		slog.String("job_id", exec.jobID),
		slog.String("outcome", string(outcome)),
		slog.Duration("duration", elapsed),
	)
}

// CancelJob cancels a running job and waits for it to stop. When the execution
// does not stop within the cancel timeout the job is marked cancelled anyway.
// It returns false when the job is not running or finished before the cancel landed.
func (e *Executor) CancelJob(ctx context.Context, jobID, reason string) (bool, error) {
	e.mu.Lock()
	exec, ok := e.running[jobID]
	if ok {
		exec.reason = reason
	}
	e.mu.Unlock()

	if !ok {
		return false, nil
	}

	e.logger.Info("Cancelling running job",
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
	exec.cancel(domain.ErrUserCancelled)

	timer := time.NewTimer(e.config.CancelTimeout)
	defer timer.Stop()

	select {
	case <-exec.done:
	case <-timer.C:
		e.logger.Warn("Job did not stop within cancel timeout, forcing cancellation",
			slog.String("job_id", jobID),
			slog.Duration("cancel_timeout", e.config.CancelTimeout),
		)
		if _, err := e.lifecycle.CancelJob(ctx, jobID, reason); err != nil {
			return false, err
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}

	status, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return status.Status == domain.StatusCancelled, nil
}

// AbortJob cancels a running job with cause and returns without waiting
func (e *Executor) AbortJob(jobID string, cause error) bool {
	e.mu.Lock()
	exec, ok := e.running[jobID]
	e.mu.Unlock()

	if !ok {
		return false
	}
	exec.cancel(cause)
	return true
}

// Shutdown cancels every running job and waits for them until ctx is done
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	running := len(e.running)
	e.mu.Unlock()

	e.logger.Info("Shutting down executor",
		slog.Int("running_jobs", running),
	)
	e.baseCancel(domain.ErrShutdown)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Executor stopped")
		return nil
	case <-ctx.Done():
		e.logger.Warn("Executor shutdown timed out",
			slog.Int("running_jobs", e.RunningCount()),
		)
		return ctx.Err()
	}
}

// GetExecutionStats returns a snapshot of execution statistics
func (e *Executor) GetExecutionStats() ExecutionStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.stats
	stats.Running = len(e.running)
	stats.MaxConcurrent = e.config.MaxConcurrentJobs
	if e.finished > 0 {
		stats.AverageExecutionTime = stats.TotalExecutionTime / time.Duration(e.finished)
	}
	return stats
}
