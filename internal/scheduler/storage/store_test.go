package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, *FileBackend) {
	t.Helper()

	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	return NewStore(backend, 10, testLogger()), backend
}

// flakyBackend fails Put and Delete for the configured kinds
type flakyBackend struct {
	Backend
	failPut    map[Kind]bool
	failDelete map[Kind]bool
}

func (b *flakyBackend) Put(ctx context.Context, kind Kind, id string, data []byte) error {
	if b.failPut[kind] {
		return errors.New("disk full")
	}
	return b.Backend.Put(ctx, kind, id, data)
}

func (b *flakyBackend) Delete(ctx context.Context, kind Kind, id string) error {
	if b.failDelete[kind] {
		return errors.New("permission denied")
	}
	return b.Backend.Delete(ctx, kind, id)
}

func TestStore_SaveGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	iterations := 3
	status := domain.NewJobStatus(domain.JobRequest{
		Query:         "How do transformers work?",
		AgentType:     "simulated",
		Priority:      7,
		Tags:          []string{"ml"},
		Metadata:      map[string]string{"owner": "alice"},
		MaxIterations: &iterations,
	}, time.Now())
	started := status.CreatedAt.Add(time.Second)
	status.Status = domain.StatusRunning
	status.Progress = 42
	status.StartedAt = &started

	require.NoError(t, store.SaveJob(ctx, status))

	got, err := store.GetJob(ctx, status.JobID)
	require.NoError(t, err)
	assert.Equal(t, status, got)

	// a fresh store reads the same record from disk
	other := NewStore(store.backend, 10, testLogger())
	got, err = other.GetJob(ctx, status.JobID)
	require.NoError(t, err)
	assert.Equal(t, status, got)
}

func TestStore_GetJobReturnsCopies(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateJob(ctx, domain.JobRequest{Query: "q", Tags: []string{"a"}})
	require.NoError(t, err)

	first, err := store.GetJob(ctx, created.JobID)
	require.NoError(t, err)
	first.Tags[0] = "mutated"
	first.Progress = 50

	second, err := store.GetJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, "a", second.Tags[0])
	assert.Equal(t, 0, second.Progress)
}

func TestStore_GetJobNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetJob(context.Background(), "0b7a3c2e-0000-4000-8000-000000000000")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_SaveJobRejectsInvalidRecord(t *testing.T) {
	store, _ := newTestStore(t)

	status := domain.NewJobStatus(domain.JobRequest{Query: "q"}, time.Now())
	status.Status = domain.StatusCompleted
	status.Progress = 80

	err := store.SaveJob(context.Background(), status)
	require.Error(t, err)

	var se *domain.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "save_job", se.Op)
}

func TestStore_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, s *Store, id string)
		action  func(s *Store, id string) error
		wantErr error
		check   func(t *testing.T, st *domain.JobStatus)
	}{
		{
			name:   "start pending job",
			action: func(s *Store, id string) error { _, err := s.StartJob(context.Background(), id); return err },
			check: func(t *testing.T, st *domain.JobStatus) {
				assert.Equal(t, domain.StatusRunning, st.Status)
				assert.Equal(t, domain.PhaseStarting, st.Phase)
				assert.NotNil(t, st.StartedAt)
				assert.Greater(t, st.Progress, 0)
			},
		},
		{
			name: "start running job is rejected",
			prepare: func(t *testing.T, s *Store, id string) {
				_, err := s.StartJob(context.Background(), id)
				require.NoError(t, err)
			},
			action:  func(s *Store, id string) error { _, err := s.StartJob(context.Background(), id); return err },
			wantErr: domain.ErrInvalidTransition,
		},
		{
			name: "progress is clamped below 100",
			prepare: func(t *testing.T, s *Store, id string) {
				_, err := s.StartJob(context.Background(), id)
				require.NoError(t, err)
			},
			action: func(s *Store, id string) error {
				_, err := s.UpdateProgress(context.Background(), id, ProgressUpdate{Progress: 150, Step: "Almost"})
				return err
			},
			check: func(t *testing.T, st *domain.JobStatus) {
				assert.Equal(t, domain.StatusRunning, st.Status)
				assert.Equal(t, 99, st.Progress)
				assert.Equal(t, "Almost", st.CurrentStep)
			},
		},
		{
			name:   "progress on pending job is rejected",
			action: func(s *Store, id string) error { _, err := s.UpdateProgress(context.Background(), id, ProgressUpdate{Progress: 30}); return err },
			wantErr: domain.ErrInvalidTransition,
		},
		{
			name: "complete running job",
			prepare: func(t *testing.T, s *Store, id string) {
				_, err := s.StartJob(context.Background(), id)
				require.NoError(t, err)
			},
			action: func(s *Store, id string) error { _, err := s.CompleteJob(context.Background(), id); return err },
			check: func(t *testing.T, st *domain.JobStatus) {
				assert.Equal(t, domain.StatusCompleted, st.Status)
				assert.Equal(t, 100, st.Progress)
				assert.NotNil(t, st.CompletedAt)
			},
		},
		{
			name: "fail keeps partial progress",
			prepare: func(t *testing.T, s *Store, id string) {
				_, err := s.StartJob(context.Background(), id)
				require.NoError(t, err)
				_, err = s.UpdateProgress(context.Background(), id, ProgressUpdate{Progress: 40})
				require.NoError(t, err)
			},
			action: func(s *Store, id string) error { _, err := s.FailJob(context.Background(), id, "boom"); return err },
			check: func(t *testing.T, st *domain.JobStatus) {
				assert.Equal(t, domain.StatusFailed, st.Status)
				assert.Equal(t, 40, st.Progress)
				assert.Equal(t, "boom", st.ErrorMessage)
				assert.NotNil(t, st.CompletedAt)
			},
		},
		{
			name: "terminal job cannot be failed",
			prepare: func(t *testing.T, s *Store, id string) {
				_, err := s.StartJob(context.Background(), id)
				require.NoError(t, err)
				_, err = s.CompleteJob(context.Background(), id)
				require.NoError(t, err)
			},
			action:  func(s *Store, id string) error { _, err := s.FailJob(context.Background(), id, "late"); return err },
			wantErr: domain.ErrInvalidTransition,
			check: func(t *testing.T, st *domain.JobStatus) {
				assert.Equal(t, domain.StatusCompleted, st.Status)
				assert.Empty(t, st.ErrorMessage)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			created, err := store.CreateJob(context.Background(), domain.JobRequest{Query: "q"})
			require.NoError(t, err)

			if tt.prepare != nil {
				tt.prepare(t, store, created.JobID)
			}

			err = tt.action(store, created.JobID)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				var se *domain.StorageError
				assert.ErrorAs(t, err, &se)
			} else {
				require.NoError(t, err)
			}

			if tt.check != nil {
				got, err := store.GetJob(context.Background(), created.JobID)
				require.NoError(t, err)
				tt.check(t, got)
			}
		})
	}
}

func TestStore_CancelJobIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateJob(ctx, domain.JobRequest{Query: "q"})
	require.NoError(t, err)

	ok, err := store.CancelJob(ctx, created.JobID, "no longer needed")
	require.NoError(t, err)
	assert.True(t, ok)

	first, err := store.GetJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, first.Status)
	require.NotNil(t, first.CompletedAt)

	jobErr, err := store.GetError(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorTypeUserCancelled, jobErr.ErrorType)
	assert.Equal(t, "no longer needed", jobErr.Message)

	ok, err = store.CancelJob(ctx, created.JobID, "again")
	require.NoError(t, err)
	assert.False(t, ok)

	second, err := store.GetJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStore_ResultErrorReport(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id := "5f0c6a1e-1111-4222-8333-444455556666"

	_, err := store.GetResult(ctx, id)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	_, err = store.GetError(ctx, id)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	_, err = store.GetReport(ctx, id)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	result := &domain.JobResult{
		JobID:       id,
		FinalAnswer: "42",
		Sources:     []domain.Source{{Number: 1, Title: "Guide", URL: "https://example.com"}},
		Metrics:     domain.Metrics{SourcesCount: 1, EstimatedTokens: 10},
		Artifacts:   map[string]string{},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.SaveResult(ctx, result))

	gotResult, err := store.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, result, gotResult)

	jobErr := &domain.JobError{
		JobID:      id,
		ErrorType:  domain.ErrorTypeNetwork,
		Severity:   domain.SeverityMedium,
		Message:    "connection reset",
		OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveError(ctx, jobErr))

	jobErr.RetryCount = 1
	require.NoError(t, store.SaveError(ctx, jobErr))

	gotErr, err := store.GetError(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, gotErr.RetryCount)

	require.NoError(t, store.SaveReport(ctx, id, "# Report\n"))
	report, err := store.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "# Report\n", report)
}

func TestStore_ListJobs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		tags := []string{"even"}
		if i%2 == 1 {
			tags = []string{"odd"}
		}
		st := domain.NewJobStatus(domain.JobRequest{Query: "q", Tags: tags}, base.Add(time.Duration(i)*time.Minute))
		if i == 4 {
			now := st.CreatedAt
			st.Status = domain.StatusCompleted
			st.Progress = 100
			st.CompletedAt = &now
		}
		require.NoError(t, store.SaveJob(ctx, st))
		ids = append(ids, st.JobID)
	}

	tests := []struct {
		name      string
		filter    ListFilter
		wantIDs   []string
		wantTotal int
	}{
		{
			name:      "all newest first",
			filter:    ListFilter{},
			wantIDs:   []string{ids[4], ids[3], ids[2], ids[1], ids[0]},
			wantTotal: 5,
		},
		{
			name:      "status filter",
			filter:    ListFilter{Statuses: []domain.Status{domain.StatusPending}},
			wantIDs:   []string{ids[3], ids[2], ids[1], ids[0]},
			wantTotal: 4,
		},
		{
			name:      "tag filter",
			filter:    ListFilter{Tags: []string{"odd"}},
			wantIDs:   []string{ids[3], ids[1]},
			wantTotal: 2,
		},
		{
			name:      "offset and limit",
			filter:    ListFilter{Offset: 1, Limit: 2},
			wantIDs:   []string{ids[3], ids[2]},
			wantTotal: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := store.ListJobs(ctx, tt.filter)
			require.NoError(t, err)

			got := make([]string, 0, len(res.Jobs))
			for _, j := range res.Jobs {
				got = append(got, j.JobID)
			}
			assert.Equal(t, tt.wantIDs, got)
			assert.Equal(t, tt.wantTotal, res.Total)
		})
	}

	t.Run("cursor pagination walks every job once", func(t *testing.T) {
		var seen []string
		filter := ListFilter{Limit: 2}
		for {
			res, err := store.ListJobs(ctx, filter)
			require.NoError(t, err)
			for _, j := range res.Jobs {
				seen = append(seen, j.JobID)
			}
			if res.NextCursor == nil {
				break
			}
			filter.Cursor = res.NextCursor
		}
		assert.Equal(t, []string{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen)
	})

	t.Run("count by status", func(t *testing.T) {
		counts, err := store.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, counts[domain.StatusPending])
		assert.Equal(t, 1, counts[domain.StatusCompleted])
	})
}

func TestStore_ListSkipsCorruptedRecords(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateJob(ctx, domain.JobRequest{Query: "q"})
	require.NoError(t, err)

	corrupt := filepath.Join(backend.dir, string(KindJobs), "9d4b1f7a-2222-4333-8444-555566667777.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))

	res, err := store.ListJobs(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, created.JobID, res.Jobs[0].JobID)
}

func TestStore_DeleteJob(t *testing.T) {
	t.Run("removes all records", func(t *testing.T) {
		store, _ := newTestStore(t)
		ctx := context.Background()

		created, err := store.CreateJob(ctx, domain.JobRequest{Query: "q"})
		require.NoError(t, err)
		require.NoError(t, store.SaveResult(ctx, &domain.JobResult{JobID: created.JobID}))
		require.NoError(t, store.SaveReport(ctx, created.JobID, "report"))

		require.NoError(t, store.DeleteJob(ctx, created.JobID))

		_, err = store.GetJob(ctx, created.JobID)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
		_, err = store.GetResult(ctx, created.JobID)
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
		_, err = store.GetReport(ctx, created.JobID)
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("partial failure is reported without rollback", func(t *testing.T) {
		fileBackend, err := NewFileBackend(t.TempDir(), testLogger())
		require.NoError(t, err)
		backend := &flakyBackend{Backend: fileBackend, failDelete: map[Kind]bool{KindResults: true}}
		store := NewStore(backend, 10, testLogger())
		ctx := context.Background()

		created, err := store.CreateJob(ctx, domain.JobRequest{Query: "q"})
		require.NoError(t, err)

		err = store.DeleteJob(ctx, created.JobID)
		var se *domain.StorageError
		require.ErrorAs(t, err, &se)

		_, err = store.GetJob(ctx, created.JobID)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestStore_BackendFailureIsWrapped(t *testing.T) {
	fileBackend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	store := NewStore(&flakyBackend{Backend: fileBackend, failPut: map[Kind]bool{KindJobs: true}}, 10, testLogger())

	_, err = store.CreateJob(context.Background(), domain.JobRequest{Query: "q"})
	require.Error(t, err)

	var se *domain.StorageError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Err.Error(), "disk full")
}

func TestStore_CleanupOldJobs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	oldDone := domain.NewJobStatus(domain.JobRequest{Query: "old"}, old)
	oldDone.Status = domain.StatusFailed
	oldDone.CompletedAt = &old
	require.NoError(t, store.SaveJob(ctx, oldDone))

	recentDone := domain.NewJobStatus(domain.JobRequest{Query: "recent"}, recent)
	recentDone.Status = domain.StatusCancelled
	recentDone.CompletedAt = &recent
	require.NoError(t, store.SaveJob(ctx, recentDone))

	oldPending := domain.NewJobStatus(domain.JobRequest{Query: "waiting"}, old)
	require.NoError(t, store.SaveJob(ctx, oldPending))

	removed, err := store.CleanupOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetJob(ctx, oldDone.JobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = store.GetJob(ctx, recentDone.JobID)
	assert.NoError(t, err)
	_, err = store.GetJob(ctx, oldPending.JobID)
	assert.NoError(t, err)
}

func TestStore_ConcurrentProgressUpdates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateJob(ctx, domain.JobRequest{Query: "q"})
	require.NoError(t, err)
	_, err = store.StartJob(ctx, created.JobID)
	require.NoError(t, err)
	_, err = store.UpdateProgress(ctx, created.JobID, ProgressUpdate{TotalSteps: 50})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(step int) {
			defer wg.Done()
			_, err := store.UpdateProgress(ctx, created.JobID, ProgressUpdate{Progress: step, StepsCompleted: step})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.GetJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, 50, got.StepsCompleted)
}

// gatedBackend holds one armed job read after it has fetched the record
type gatedBackend struct {
	Backend
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBackend) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	if kind == KindJobs && b.armed.CompareAndSwap(true, false) {
		data, err := b.Backend.Get(ctx, kind, id)
		close(b.entered)
		<-b.release
		return data, err
	}
	return b.Backend.Get(ctx, kind, id)
}

func TestStore_SlowCacheFillDoesNotRevertTerminalJob(t *testing.T) {
	ctx := context.Background()
	fb, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	backend := &gatedBackend{
		Backend: fb,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := NewStore(backend, 1, testLogger())

	job, err := store.CreateJob(ctx, domain.JobRequest{Query: "slow read"})
	require.NoError(t, err)
	_, err = store.StartJob(ctx, job.JobID)
	require.NoError(t, err)

	// evict the running job from the single-entry cache
	_, err = store.CreateJob(ctx, domain.JobRequest{Query: "other"})
	require.NoError(t, err)

	backend.armed.Store(true)
	readDone := make(chan error, 1)
	go func() {
		_, err := store.GetJob(ctx, job.JobID)
		readDone <- err
	}()
	<-backend.entered

	completeDone := make(chan error, 1)
	go func() {
		_, err := store.CompleteJob(ctx, job.JobID)
		completeDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(backend.release)

	require.NoError(t, <-readDone)
	require.NoError(t, <-completeDone)

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	_, err = store.FailJob(ctx, job.JobID, "late failure")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	data, err := fb.Get(ctx, KindJobs, job.JobID)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"completed"`)
}

func TestStore_TransitionsReadBackendNotCache(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	first := NewStore(backend, 10, testLogger())
	second := NewStore(backend, 10, testLogger())

	job, err := first.CreateJob(ctx, domain.JobRequest{Query: "shared backend"})
	require.NoError(t, err)
	_, err = first.StartJob(ctx, job.JobID)
	require.NoError(t, err)

	_, err = second.FailJob(ctx, job.JobID, "failed elsewhere")
	require.NoError(t, err)

	// first still caches the running record
	cached, err := first.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, cached.Status)

	_, err = first.CompleteJob(ctx, job.JobID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := first.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "failed elsewhere", got.ErrorMessage)
}
