package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/storage"
	"github.com/sethvargo/go-retry"
)

// QueueConfig holds admission and dispatch settings
type QueueConfig struct {
	MaxQueueSize       int
	DispatchBatchSize  int
	CheckInterval      time.Duration
	StartRetry         RetryPolicy
	DefaultJobDuration time.Duration
}

type queueItem struct {
	jobID       string
	req         domain.JobRequest
	priority    int
	seq         uint64
	submittedAt time.Time
	index       int
}

// jobHeap orders by priority descending, then submission sequence ascending
type jobHeap []*queueItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	return h[i].before(h[j])
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

func (q *queueItem) before(other *queueItem) bool {
	if q.priority != other.priority {
		return q.priority > other.priority
	}
	return q.seq < other.seq
}

// QueueStats are cumulative counters since start-up
type QueueStats struct {
	TotalSubmitted   int           `json:"total_submitted"`
	TotalQueued      int           `json:"total_queued"`
	TotalExecuted    int           `json:"total_executed"`
	TotalRejected    int           `json:"total_rejected"`
	StartFailures    int           `json:"start_failures"`
	TotalQueueTime   time.Duration `json:"total_queue_time"`
	AverageQueueTime time.Duration `json:"average_queue_time"`
}

// QueueStatus is a point-in-time view of the queue and executor
type QueueStatus struct {
	QueueSize           int        `json:"queue_size"`
	MaxQueueSize        int        `json:"max_queue_size"`
	RunningJobs         int        `json:"running_jobs"`
	MaxConcurrentJobs   int        `json:"max_concurrent_jobs"`
	QueueUtilization    float64    `json:"queue_utilization"`
	ExecutorUtilization float64    `json:"executor_utilization"`
	Stats               QueueStats `json:"stats"`
}

// QueueManager admits jobs into a bounded priority queue and feeds them to the
// Executor as slots free up
type QueueManager struct {
	executor   *Executor
	lifecycle  *LifecycleManager
	store      *storage.Store
	classifier *Classifier
	config     QueueConfig
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	heap     jobHeap
	items    map[string]*queueItem
	seq      uint64
	reserved int
	stats    QueueStats
}

// NewQueueManager creates a new QueueManager
func NewQueueManager(executor *Executor, lifecycle *LifecycleManager, store *storage.Store, classifier *Classifier, config QueueConfig, logger *slog.Logger) *QueueManager {
	if config.DispatchBatchSize <= 0 {
		config.DispatchBatchSize = 1
	}
	if config.StartRetry.BaseDelay <= 0 {
		config.StartRetry.BaseDelay = 100 * time.Millisecond
	}
	if config.StartRetry.MaxDelay < config.StartRetry.BaseDelay {
		config.StartRetry.MaxDelay = config.StartRetry.BaseDelay
	}
	return &QueueManager{
		executor:   executor,
		lifecycle:  lifecycle,
		store:      store,
		classifier: classifier,
		config:     config,
		logger:     logger,
		now:        time.Now,
		items:      make(map[string]*queueItem),
	}
}

// push adds an item; the caller holds mu
func (m *QueueManager) push(jobID string, req domain.JobRequest, priority int, submittedAt time.Time) {
	m.seq++
	item := &queueItem{
		jobID:       jobID,
		req:         req,
		priority:    priority,
		seq:         m.seq,
		submittedAt: submittedAt,
	}
	heap.Push(&m.heap, item)
	m.items[jobID] = item
}

// SubmitJob validates, persists and enqueues a request. It fails with
// domain.ErrQueueFull when the queue has no room.
func (m *QueueManager) SubmitJob(ctx context.Context, req domain.JobRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := m.executor.CheckAgent(req.AgentType); err != nil {
		return "", err
	}

	m.mu.Lock()
	if len(m.heap)+m.reserved >= m.config.MaxQueueSize {
		m.stats.TotalRejected++
		size := len(m.heap)
		m.mu.Unlock()

		m.logger.Warn("Job rejected, queue is full",
			slog.Int("queue_size", size),
			slog.Int("max_queue_size", m.config.MaxQueueSize),
		)
		return "", domain.ErrQueueFull
	}
	m.reserved++
	m.mu.Unlock()

	status, err := m.lifecycle.SubmitJob(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved--
	if err != nil {
		return "", err
	}

	m.push(status.JobID, req, status.Priority, m.now())
	m.stats.TotalSubmitted++
	m.stats.TotalQueued++

	m.logger.Debug("Job enqueued",
		slog.String("job_id", status.JobID),
		slog.Int("priority", status.Priority),
		slog.Int("queue_size", len(m.heap)),
	)

	return status.JobID, nil
}

// CancelJob cancels a queued, running or storage-only job. It returns false
// when the job already reached a terminal state.
func (m *QueueManager) CancelJob(ctx context.Context, jobID, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled by user"
	}

	m.mu.Lock()
	item, queued := m.items[jobID]
	if queued {
		heap.Remove(&m.heap, item.index)
		delete(m.items, jobID)
	}
	m.mu.Unlock()

	if queued {
		return m.lifecycle.CancelJob(ctx, jobID, reason)
	}

	if m.executor.IsRunning(jobID) {
		return m.executor.CancelJob(ctx, jobID, reason)
	}

	status, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if status.Status.IsTerminal() {
		return false, nil
	}
	return m.lifecycle.CancelJob(ctx, jobID, reason)
}

// GetQueueStatus returns the current queue and executor utilisation
func (m *QueueManager) GetQueueStatus() QueueStatus {
	running := m.executor.RunningCount()
	maxConcurrent := m.executor.config.MaxConcurrentJobs

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.TotalExecuted > 0 {
		stats.AverageQueueTime = stats.TotalQueueTime / time.Duration(stats.TotalExecuted)
	}

	status := QueueStatus{
		QueueSize:         len(m.heap),
		MaxQueueSize:      m.config.MaxQueueSize,
		RunningJobs:       running,
		MaxConcurrentJobs: maxConcurrent,
		Stats:             stats,
	}
	if m.config.MaxQueueSize > 0 {
		status.QueueUtilization = float64(len(m.heap)) / float64(m.config.MaxQueueSize) * 100
	}
	if maxConcurrent > 0 {
		status.ExecutorUtilization = float64(running) / float64(maxConcurrent) * 100
	}
	return status
}

// GetJobPosition returns the 1-based dispatch position of a queued job
func (m *QueueManager) GetJobPosition(jobID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[jobID]
	if !ok {
		return 0, false
	}

	position := 1
	for _, other := range m.heap {
		if other != item && other.before(item) {
			position++
		}
	}
	return position, true
}

// GetEstimatedWaitTime estimates how long a queued job waits before it starts
func (m *QueueManager) GetEstimatedWaitTime(jobID string) (time.Duration, bool) {
	position, ok := m.GetJobPosition(jobID)
	if !ok {
		return 0, false
	}

	slots := max(m.executor.config.MaxConcurrentJobs, 1)
	avg := m.executor.GetExecutionStats().AverageExecutionTime
	if avg <= 0 {
		avg = m.config.DefaultJobDuration
	}

	ahead := position - 1
	return time.Duration(float64(ahead) / float64(slots) * float64(avg)), true
}

// AdjustJobPriority reorders a queued job and persists its new priority.
// It returns false once the job has left the queue.
func (m *QueueManager) AdjustJobPriority(ctx context.Context, jobID string, priority int) (bool, error) {
	if priority < domain.MinPriority || priority > domain.MaxPriority {
		return false, fmt.Errorf("%w: priority %d out of range [%d,%d]", domain.ErrInvalidRequest, priority, domain.MinPriority, domain.MaxPriority)
	}

	m.mu.Lock()
	item, ok := m.items[jobID]
	if ok {
		item.priority = priority
		heap.Fix(&m.heap, item.index)
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}

	if _, err := m.store.SetPriority(ctx, jobID, priority); err != nil {
		return false, err
	}

	m.logger.Info("Job priority adjusted",
		slog.String("job_id", jobID),
		slog.Int("priority", priority),
	)
	return true, nil
}

// RecoverJobs re-enqueues persisted PENDING jobs and fails RUNNING jobs left
// behind by a previous process
func (m *QueueManager) RecoverJobs(ctx context.Context) (int, error) {
	res, err := m.store.ListJobs(ctx, storage.ListFilter{
		Statuses: []domain.Status{domain.StatusPending, domain.StatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs for recovery: %w", err)
	}

	// oldest first so equal priorities keep their submission order
	jobs := slices.Clone(res.Jobs)
	slices.Reverse(jobs)

	recovered := 0
	for _, job := range jobs {
		if job.Status == domain.StatusRunning {
			if m.executor.IsRunning(job.JobID) {
				continue
			}
			jobErr := m.classifier.ClassifyAs(job.JobID, domain.ErrorTypeSystem, errors.New("job interrupted by restart"))
			if err := m.lifecycle.FailJob(ctx, job.JobID, jobErr); err != nil {
				m.logger.Error("Failed to fail orphaned job",
					slog.String("job_id", job.JobID),
					slog.Any("error", err),
				)
			}
			continue
		}

		m.mu.Lock()
		if _, exists := m.items[job.JobID]; !exists {
			m.push(job.JobID, job.Request, job.Priority, job.CreatedAt)
			recovered++
		}
		m.mu.Unlock()
	}

	m.logger.Info("Job recovery finished",
		slog.Int("requeued", recovered),
	)
	return recovered, nil
}

// QueueSize returns the number of queued jobs
func (m *QueueManager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}

// Run dispatches queued jobs every check interval until ctx is done
func (m *QueueManager) Run(ctx context.Context) error {
	m.logger.Info("Queue dispatcher started",
		slog.Duration("interval", m.config.CheckInterval),
		slog.Int("batch_size", m.config.DispatchBatchSize),
	)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Queue dispatcher stopped")
			return nil
		case <-ticker.C:
			m.dispatch(ctx)
		}
	}
}

// requeue puts items back keeping their original sequence; the caller holds mu
func (m *QueueManager) requeue(items []*queueItem) {
	for _, item := range items {
		heap.Push(&m.heap, item)
		m.items[item.jobID] = item
	}
}

func (m *QueueManager) dispatch(ctx context.Context) {
	available := m.executor.AvailableSlots()
	if available <= 0 {
		return
	}

	m.mu.Lock()
	n := min(available, m.config.DispatchBatchSize, len(m.heap))
	batch := make([]*queueItem, 0, n)
	for i := 0; i < n; i++ {
		item := heap.Pop(&m.heap).(*queueItem)
		delete(m.items, item.jobID)
		batch = append(batch, item)
	}
	m.mu.Unlock()

	for i, item := range batch {
		if ctx.Err() != nil || !m.executor.CanStartJob() {
			m.mu.Lock()
			m.requeue(batch[i:])
			m.mu.Unlock()
			return
		}

		status, err := m.store.GetJob(ctx, item.jobID)
		if err != nil {
			m.logger.Warn("Dropping queued job without readable record",
				slog.String("job_id", item.jobID),
				slog.Any("error", err),
			)
			continue
		}
		if status.Status != domain.StatusPending {
			m.logger.Info("Skipping queued job that is no longer pending",
				slog.String("job_id", item.jobID),
				slog.String("status", string(status.Status)),
			)
			continue
		}

		if retries, err := m.start(ctx, item); err != nil {
			if errors.Is(err, domain.ErrCapacityExhausted) {
				m.mu.Lock()
				m.requeue(batch[i:])
				m.mu.Unlock()
				return
			}
			m.failStart(ctx, item, err, retries)
			continue
		}

		waited := m.now().Sub(item.submittedAt)
		m.mu.Lock()
		m.stats.TotalExecuted++
		m.stats.TotalQueueTime += waited
		m.mu.Unlock()

		m.logger.Info("Job dispatched",
			slog.String("job_id", item.jobID),
			slog.Int("priority", item.priority),
			slog.Duration("queue_time", waited),
		)
	}
}

// start hands a job to the Executor, retrying failures the start retry policy
// accepts. It returns the number of retries made.
func (m *QueueManager) start(ctx context.Context, item *queueItem) (int, error) {
	policy := m.config.StartRetry
	attempt := 0

	err := retry.Do(ctx, policy.Backoff(), func(ctx context.Context) error {
		attempt++
		_, err := m.executor.StartJob(ctx, item.jobID, item.req)
		if err == nil {
			return nil
		}

		switch {
		case errors.Is(err, domain.ErrCapacityExhausted),
			errors.Is(err, domain.ErrJobAlreadyRunning),
			errors.Is(err, domain.ErrInvalidTransition),
			errors.Is(err, domain.ErrShutdown):
			return err
		}

		jobErr := m.classifier.Classify(item.jobID, err)
		jobErr.RetryCount = attempt - 1
		if policy.ShouldRetry(jobErr) {
			m.logger.Warn("Transient failure starting job, retrying",
				slog.String("job_id", item.jobID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", policy.Delay(jobErr.RetryCount)),
				slog.Any("error", err),
			)
			return retry.RetryableError(err)
		}
		return err
	})
	return max(attempt-1, 0), err
}

// failStart records a job that could not be started
func (m *QueueManager) failStart(ctx context.Context, item *queueItem, err error, retries int) {
	switch {
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobAlreadyRunning):
		m.logger.Info("Job changed state before it could start",
			slog.String("job_id", item.jobID),
			slog.Any("error", err),
		)
		return
	case errors.Is(err, domain.ErrShutdown), errors.Is(err, context.Canceled):
		m.mu.Lock()
		m.requeue([]*queueItem{item})
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.stats.StartFailures++
	m.mu.Unlock()

	jobErr := m.classifier.Classify(item.jobID, err)
	if jobErr.ErrorType == domain.ErrorTypeUnknown {
		jobErr = m.classifier.ClassifyAs(item.jobID, domain.ErrorTypeSystem, err)
	}
	jobErr.RetryCount = retries

	m.logger.Error("Failed to start job",
		slog.String("job_id", item.jobID),
		slog.String("error_type", string(jobErr.ErrorType)),
		slog.Any("error", err),
	)

	if ferr := m.lifecycle.FailJob(ctx, item.jobID, jobErr); ferr != nil {
		m.logger.Error("Failed to mark job failed after start failure",
			slog.String("job_id", item.jobID),
			slog.Any("error", ferr),
		)
	}
}
