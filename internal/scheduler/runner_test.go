package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/agent"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, cfg Config, a agent.Agent) (*Runner, *storage.Store) {
	t.Helper()

	backend, err := storage.NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	store := storage.NewStore(backend, 100, testLogger())

	runner := NewRunner(store, fixedProvider{agent: a}, &recordingPublisher{}, cfg, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = runner.Stop(ctx)
	})
	return runner, store
}

func waitForRunnerStatus(t *testing.T, r *Runner, jobID string, want domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := r.Status(context.Background(), jobID)
		return err == nil && status.Status == want
	}, waitFor, tick)
}

func TestRunner_EndToEnd(t *testing.T) {
	runner, _ := newTestRunner(t, testConfig(), &agent.SimulatedAgent{Sources: 4})
	ctx := context.Background()

	require.NoError(t, runner.Start(ctx))
	assert.Error(t, runner.Start(ctx))

	jobID, err := runner.Submit(ctx, domain.JobRequest{Query: "How do CRDTs merge?", Tags: []string{"distributed"}})
	require.NoError(t, err)

	waitForRunnerStatus(t, runner, jobID, domain.StatusCompleted)

	result, err := runner.Result(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, result.Sources, 4)

	report, err := runner.Report(ctx, jobID)
	require.NoError(t, err)
	assert.Contains(t, report, "How do CRDTs merge?")

	_, err = runner.Error(ctx, jobID)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	page, err := runner.List(ctx, storage.ListFilter{Tags: []string{"distributed"}})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, jobID, page.Jobs[0].JobID)

	stats, err := runner.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StatusCount[domain.StatusCompleted])
	assert.Equal(t, 1, stats.Execution.Started)

	require.NoError(t, runner.Delete(ctx, jobID))
	_, err = runner.Status(ctx, jobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	stopCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, runner.Stop(stopCtx))
	require.NoError(t, runner.Stop(stopCtx))
}

func TestRunner_DeleteRequiresTerminalJob(t *testing.T) {
	runner, _ := newTestRunner(t, testConfig(), blockingAgent)
	ctx := context.Background()

	jobID, err := runner.Submit(ctx, domain.JobRequest{Query: "still queued"})
	require.NoError(t, err)

	err = runner.Delete(ctx, jobID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	position, ok := runner.Position(jobID)
	require.True(t, ok)
	assert.Equal(t, 1, position.Position)
	assert.Zero(t, position.EstimatedWait)

	ok, err = runner.AdjustPriority(ctx, jobID, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	cancelled, err := runner.Cancel(ctx, jobID, "")
	require.NoError(t, err)
	assert.True(t, cancelled)
	require.NoError(t, runner.Delete(ctx, jobID))
}

func TestRunner_StopCancelsRunningJobs(t *testing.T) {
	runner, store := newTestRunner(t, testConfig(), blockingAgent)
	ctx := context.Background()

	require.NoError(t, runner.Start(ctx))

	jobID, err := runner.Submit(ctx, domain.JobRequest{Query: "interrupted by stop"})
	require.NoError(t, err)
	waitForRunnerStatus(t, runner, jobID, domain.StatusRunning)

	stopCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, runner.Stop(stopCtx))

	status, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, status.Status)
}

func TestRunner_RecoversPendingJobsOnStart(t *testing.T) {
	runner, store := newTestRunner(t, testConfig(), &agent.SimulatedAgent{})
	ctx := context.Background()

	leftover, err := store.CreateJob(ctx, domain.JobRequest{Query: "left behind"})
	require.NoError(t, err)

	require.NoError(t, runner.Start(ctx))
	waitForRunnerStatus(t, runner, leftover.JobID, domain.StatusCompleted)
}

func TestRunner_RetentionRemovesOldTerminalJobs(t *testing.T) {
	cfg := testConfig()
	cfg.RetentionWindow = time.Millisecond
	runner, store := newTestRunner(t, cfg, &agent.SimulatedAgent{})
	ctx := context.Background()

	status, err := store.CreateJob(ctx, domain.JobRequest{Query: "expired"})
	require.NoError(t, err)
	_, err = store.CancelJob(ctx, status.JobID, "done")
	require.NoError(t, err)

	require.NoError(t, runner.Start(ctx))

	require.Eventually(t, func() bool {
		_, err := store.GetJob(ctx, status.JobID)
		return err != nil
	}, waitFor, tick)
}

func TestRunner_SecondRunnerCannotOwnSameStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	release := make(chan struct{})
	gated := agentFunc(func(ctx context.Context, _ string, _ agent.Budget) (*agent.Output, error) {
		select {
		case <-release:
			return &agent.Output{FinalAnswer: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	openStore := func() *storage.Store {
		backend, err := storage.NewFileBackend(dir, testLogger())
		require.NoError(t, err)
		return storage.NewStore(backend, 100, testLogger())
	}

	cfg := testConfig()
	cfg.RecoverOnStart = true

	owner := NewRunner(openStore(), fixedProvider{agent: gated}, &recordingPublisher{}, cfg, testLogger())
	require.NoError(t, owner.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = owner.Stop(stopCtx)
	})

	jobID, err := owner.Submit(ctx, domain.JobRequest{Query: "owned elsewhere"})
	require.NoError(t, err)
	waitForRunnerStatus(t, owner, jobID, domain.StatusRunning)

	otherStore := openStore()
	other := NewRunner(otherStore, fixedProvider{agent: gated}, &recordingPublisher{}, cfg, testLogger())
	err = other.Start(ctx)
	require.ErrorIs(t, err, domain.ErrStoreOwned)

	status, err := otherStore.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, status.Status)

	close(release)
	waitForRunnerStatus(t, owner, jobID, domain.StatusCompleted)

	_, err = otherStore.GetError(ctx, jobID)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	stopCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, owner.Stop(stopCtx))

	require.NoError(t, other.Start(ctx))
	require.NoError(t, other.Stop(stopCtx))
}
