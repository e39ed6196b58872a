package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
)

// DefaultCacheSize is the number of job ids kept in the record cache
const DefaultCacheSize = 1000

// Store persists job records through a Backend with an LRU cache in front
// and per-job locks around every read-modify-write cycle
type Store struct {
	backend Backend
	cache   *recordCache
	locks   *lockRegistry
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a new Store
func NewStore(backend Backend, cacheSize int, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		cache:   newRecordCache(cacheSize),
		locks:   newLockRegistry(),
		logger:  logger,
		now:     time.Now,
	}
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

// AcquireOwnership claims the store for a single scheduler. Backends without
// an ownership primitive always succeed.
func (s *Store) AcquireOwnership(ctx context.Context) (func() error, error) {
	owner, ok := s.backend.(Owner)
	if !ok {
		return func() error { return nil }, nil
	}
	release, err := owner.Acquire(ctx)
	if err != nil {
		return nil, domain.NewStorageError("acquire_ownership", "", err)
	}
	return release, nil
}

// CreateJob allocates a job id and writes the PENDING record
func (s *Store) CreateJob(ctx context.Context, req domain.JobRequest) (*domain.JobStatus, error) {
	status := domain.NewJobStatus(req, s.now())
	if err := s.SaveJob(ctx, status); err != nil {
		return nil, err
	}

	s.logger.Debug("Job record created",
		slog.String("job_id", status.JobID),
		slog.Int("priority", status.Priority),
	)

	return status.Clone(), nil
}

// SaveJob writes a status record after checking its invariants
func (s *Store) SaveJob(ctx context.Context, status *domain.JobStatus) error {
	unlock := s.locks.lock(status.JobID)
	defer unlock()

	return s.writeJob(ctx, "save_job", status)
}

func (s *Store) writeJob(ctx context.Context, op string, status *domain.JobStatus) error {
	if err := status.Validate(); err != nil {
		return domain.NewStorageError(op, status.JobID, err)
	}
	data, err := json.Marshal(status)
	if err != nil {
		return domain.NewStorageError(op, status.JobID, fmt.Errorf("failed to encode job: %w", err))
	}
	if err := s.backend.Put(ctx, KindJobs, status.JobID, data); err != nil {
		return domain.NewStorageError(op, status.JobID, err)
	}
	s.cache.put(KindJobs, status.JobID, data)
	return nil
}

// GetJob returns a fresh copy of a status record
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	data, err := s.read(ctx, KindJobs, jobID, true)
	if err != nil {
		return nil, jobReadError(jobID, err)
	}
	return decodeJob(jobID, data)
}

func jobReadError(jobID string, err error) error {
	if errors.Is(err, domain.ErrRecordNotFound) {
		return domain.ErrJobNotFound
	}
	return domain.NewStorageError("get_job", jobID, err)
}

func decodeJob(jobID string, data []byte) (*domain.JobStatus, error) {
	var status domain.JobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, domain.NewStorageError("get_job", jobID, fmt.Errorf("failed to decode job: %w", err))
	}
	return &status, nil
}

// read serves a record from the cache. A miss that should be re-cached is
// filled under the job lock so bytes read before a concurrent write never
// replace the newer cached record.
func (s *Store) read(ctx context.Context, kind Kind, id string, recache bool) ([]byte, error) {
	if data, ok := s.cache.get(kind, id); ok {
		return data, nil
	}
	if !recache {
		return s.backend.Get(ctx, kind, id)
	}

	unlock := s.locks.lock(id)
	defer unlock()

	if data, ok := s.cache.get(kind, id); ok {
		return data, nil
	}
	data, err := s.backend.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	s.cache.put(kind, id, data)
	return data, nil
}

// loadJob reads the status record from the backend, bypassing the cache.
// Callers hold the job lock.
func (s *Store) loadJob(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	data, err := s.backend.Get(ctx, KindJobs, jobID)
	if err != nil {
		return nil, jobReadError(jobID, err)
	}
	status, err := decodeJob(jobID, data)
	if err != nil {
		return nil, err
	}
	s.cache.put(KindJobs, jobID, data)
	return status, nil
}

// update applies fn to the backend record under the job lock and persists the
// result. The backend is read rather than the cache so a record finished by
// another process is never overwritten.
func (s *Store) update(ctx context.Context, op, jobID string, fn func(status *domain.JobStatus) error) (*domain.JobStatus, error) {
	unlock := s.locks.lock(jobID)
	defer unlock()

	status, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := fn(status); err != nil {
		return nil, domain.NewStorageError(op, jobID, err)
	}
	status.UpdatedAt = s.now().UTC()

	if err := s.writeJob(ctx, op, status); err != nil {
		return nil, err
	}
	return status, nil
}

func invalidTransition(status *domain.JobStatus, action string) error {
	return fmt.Errorf("%w: cannot %s job in status %s", domain.ErrInvalidTransition, action, status.Status)
}

// StartJob moves a PENDING job to RUNNING
func (s *Store) StartJob(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	return s.update(ctx, "start_job", jobID, func(status *domain.JobStatus) error {
		if status.Status != domain.StatusPending {
			return invalidTransition(status, "start")
		}
		now := s.now().UTC()
		status.Status = domain.StatusRunning
		status.Phase = domain.PhaseStarting
		status.Progress = domain.PhaseStarting.Progress()
		status.CurrentStep = domain.PhaseStarting.Step()
		status.StartedAt = &now
		return nil
	})
}

// ProgressUpdate carries the fields of a progress change; zero values leave a field unchanged
type ProgressUpdate struct {
	Phase          domain.Phase
	Progress       int
	Step           string
	StepsCompleted int
	TotalSteps     int
}

// UpdateProgress records progress of a RUNNING job. Progress is clamped to [1,99]
// and never moves backwards.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, upd ProgressUpdate) (*domain.JobStatus, error) {
	return s.update(ctx, "update_progress", jobID, func(status *domain.JobStatus) error {
		if status.Status != domain.StatusRunning {
			return invalidTransition(status, "update progress of")
		}
		if upd.Phase != "" {
			status.Phase = upd.Phase
		}
		progress := min(max(upd.Progress, 1), 99)
		if progress > status.Progress {
			status.Progress = progress
		}
		if upd.Step != "" {
			status.CurrentStep = upd.Step
		}
		if upd.TotalSteps > 0 {
			status.TotalSteps = upd.TotalSteps
		}
		if upd.StepsCompleted > status.StepsCompleted {
			status.StepsCompleted = upd.StepsCompleted
		}
		if status.TotalSteps > 0 && status.StepsCompleted > status.TotalSteps {
			status.StepsCompleted = status.TotalSteps
		}
		return nil
	})
}

// SetPriority changes the priority of a PENDING job
func (s *Store) SetPriority(ctx context.Context, jobID string, priority int) (*domain.JobStatus, error) {
	return s.update(ctx, "set_priority", jobID, func(status *domain.JobStatus) error {
		if status.Status != domain.StatusPending {
			return invalidTransition(status, "reprioritize")
		}
		status.Priority = priority
		return nil
	})
}

// CompleteJob marks a job COMPLETED
func (s *Store) CompleteJob(ctx context.Context, jobID string) (*domain.JobStatus, error) {
	return s.update(ctx, "complete_job", jobID, func(status *domain.JobStatus) error {
		if status.Status.IsTerminal() {
			return invalidTransition(status, "complete")
		}
		now := s.now().UTC()
		status.Status = domain.StatusCompleted
		status.Phase = domain.PhaseCompleted
		status.Progress = 100
		status.CurrentStep = domain.PhaseCompleted.Step()
		if status.TotalSteps > 0 {
			status.StepsCompleted = status.TotalSteps
		}
		status.CompletedAt = &now
		return nil
	})
}

// FailJob marks a job FAILED with a message
func (s *Store) FailJob(ctx context.Context, jobID, message string) (*domain.JobStatus, error) {
	return s.update(ctx, "fail_job", jobID, func(status *domain.JobStatus) error {
		if status.Status.IsTerminal() {
			return invalidTransition(status, "fail")
		}
		now := s.now().UTC()
		status.Status = domain.StatusFailed
		status.Phase = domain.PhaseFailed
		status.CurrentStep = domain.PhaseFailed.Step()
		status.ErrorMessage = message
		status.CompletedAt = &now
		return nil
	})
}

// CancelJob marks a job CANCELLED and records a user_cancelled error.
// It returns false without touching the record when the job is already terminal.
func (s *Store) CancelJob(ctx context.Context, jobID, reason string) (bool, error) {
	_, err := s.update(ctx, "cancel_job", jobID, func(status *domain.JobStatus) error {
		if status.Status.IsTerminal() {
			return invalidTransition(status, "cancel")
		}
		now := s.now().UTC()
		status.Status = domain.StatusCancelled
		status.Phase = domain.PhaseCancelled
		status.CurrentStep = domain.PhaseCancelled.Step()
		status.ErrorMessage = reason
		status.CompletedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}

	jobErr := &domain.JobError{
		JobID:            jobID,
		ErrorType:        domain.ErrorTypeUserCancelled,
		Severity:         domain.SeverityLow,
		Message:          reason,
		Details:          map[string]string{},
		SuggestedActions: []string{"Resubmit the job if the result is still needed"},
		OccurredAt:       s.now().UTC(),
	}
	if err := s.SaveError(ctx, jobErr); err != nil {
		s.logger.Warn("Failed to record cancellation error",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	return true, nil
}

// SaveResult writes the result record of a job
func (s *Store) SaveResult(ctx context.Context, result *domain.JobResult) error {
	return s.writeRecord(ctx, "save_result", KindResults, result.JobID, result)
}

// GetResult reads the result record of a job
func (s *Store) GetResult(ctx context.Context, jobID string) (*domain.JobResult, error) {
	var result domain.JobResult
	if err := s.readRecord(ctx, "get_result", KindResults, jobID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveError writes the error record of a job, replacing any earlier one
func (s *Store) SaveError(ctx context.Context, jobErr *domain.JobError) error {
	return s.writeRecord(ctx, "save_error", KindErrors, jobErr.JobID, jobErr)
}

// GetError reads the error record of a job
func (s *Store) GetError(ctx context.Context, jobID string) (*domain.JobError, error) {
	var jobErr domain.JobError
	if err := s.readRecord(ctx, "get_error", KindErrors, jobID, &jobErr); err != nil {
		return nil, err
	}
	return &jobErr, nil
}

// SaveReport writes the markdown report of a job
func (s *Store) SaveReport(ctx context.Context, jobID, report string) error {
	unlock := s.locks.lock(jobID)
	defer unlock()

	if err := s.backend.Put(ctx, KindReports, jobID, []byte(report)); err != nil {
		return domain.NewStorageError("save_report", jobID, err)
	}
	return nil
}

// GetReport reads the markdown report of a job
func (s *Store) GetReport(ctx context.Context, jobID string) (string, error) {
	data, err := s.backend.Get(ctx, KindReports, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return "", domain.ErrRecordNotFound
		}
		return "", domain.NewStorageError("get_report", jobID, err)
	}
	return string(data), nil
}

func (s *Store) writeRecord(ctx context.Context, op string, kind Kind, jobID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return domain.NewStorageError(op, jobID, fmt.Errorf("failed to encode record: %w", err))
	}

	unlock := s.locks.lock(jobID)
	defer unlock()

	if err := s.backend.Put(ctx, kind, jobID, data); err != nil {
		return domain.NewStorageError(op, jobID, err)
	}
	s.cache.put(kind, jobID, data)
	return nil
}

func (s *Store) readRecord(ctx context.Context, op string, kind Kind, jobID string, v any) error {
	data, err := s.read(ctx, kind, jobID, true)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return domain.ErrRecordNotFound
		}
		return domain.NewStorageError(op, jobID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domain.NewStorageError(op, jobID, fmt.Errorf("failed to decode record: %w", err))
	}
	return nil
}

// Cursor is a keyset position in the created_at desc, job_id desc ordering
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// after reports whether status sorts strictly after the cursor position
func (c *Cursor) after(status *domain.JobStatus) bool {
	if status.CreatedAt.Equal(c.CreatedAt) {
		return status.JobID < c.JobID
	}
	return status.CreatedAt.Before(c.CreatedAt)
}

// ListFilter selects and pages job records
type ListFilter struct {
	Limit    int
	Offset   int
	Statuses []domain.Status
	Tags     []string
	Cursor   *Cursor
}

// ListResult is one page of job records
type ListResult struct {
	Jobs       []*domain.JobStatus
	Total      int
	NextCursor *Cursor
}

// scanJobs decodes every readable status record, skipping corrupted ones
func (s *Store) scanJobs(ctx context.Context) ([]*domain.JobStatus, error) {
	ids, err := s.backend.List(ctx, KindJobs)
	if err != nil {
		return nil, domain.NewStorageError("list_jobs", "", err)
	}

	jobs := make([]*domain.JobStatus, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := s.read(ctx, KindJobs, id, false)
		if err != nil {
			if !errors.Is(err, domain.ErrRecordNotFound) {
				s.logger.Warn("Skipping unreadable job record",
					slog.String("job_id", id),
					slog.Any("error", err),
				)
			}
			continue
		}

		var status domain.JobStatus
		if err := json.Unmarshal(data, &status); err != nil {
			s.logger.Warn("Skipping corrupted job record",
				slog.String("job_id", id),
				slog.Any("error", err),
			)
			continue
		}
		jobs = append(jobs, &status)
	}
	return jobs, nil
}

// ListJobs scans, filters, sorts newest first and pages the job records
func (s *Store) ListJobs(ctx context.Context, filter ListFilter) (*ListResult, error) {
	jobs, err := s.scanJobs(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make(map[domain.Status]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}

	matched := jobs[:0]
	for _, job := range jobs {
		if len(statuses) > 0 && !statuses[job.Status] {
			continue
		}
		if len(filter.Tags) > 0 && !job.HasAnyTag(filter.Tags) {
			continue
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].JobID > matched[j].JobID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page := matched
	if filter.Cursor != nil {
		start := sort.Search(len(page), func(i int) bool {
			return filter.Cursor.after(page[i])
		})
		page = page[start:]
	}
	if filter.Offset > 0 {
		page = page[min(filter.Offset, len(page)):]
	}

	var next *Cursor
	if filter.Limit > 0 && len(page) > filter.Limit {
		page = page[:filter.Limit]
		last := page[len(page)-1]
		next = &Cursor{CreatedAt: last.CreatedAt, JobID: last.JobID}
	}

	return &ListResult{
		Jobs:       page,
		Total:      total,
		NextCursor: next,
	}, nil
}

// CountByStatus returns a histogram of job statuses
func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	jobs, err := s.scanJobs(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.Status]int)
	for _, job := range jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// DeleteJob removes every record of a job. Failures are logged and reported
// but already deleted records are not restored.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	unlock := s.locks.lock(jobID)
	defer unlock()

	s.cache.remove(jobID)

	var errs []error
	for _, kind := range AllKinds() {
		if err := s.backend.Delete(ctx, kind, jobID); err != nil {
			s.logger.Error("Failed to delete job record",
				slog.String("job_id", jobID),
				slog.String("kind", string(kind)),
				slog.Any("error", err),
			)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return domain.NewStorageError("delete_job", jobID, errors.Join(errs...))
	}
	return nil
}

// CleanupOldJobs deletes terminal jobs completed more than maxAge ago
func (s *Store) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	jobs, err := s.scanJobs(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, job := range jobs {
		if !job.Status.IsTerminal() || job.CompletedAt == nil || !job.CompletedAt.Before(cutoff) {
			continue
		}
		if err := s.DeleteJob(ctx, job.JobID); err != nil {
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("Old jobs cleaned up",
			slog.Int("removed", removed),
			slog.Duration("max_age", maxAge),
		)
	}
	return removed, nil
}
