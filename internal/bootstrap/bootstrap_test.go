package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/config"
	"github.com/cuongbtq/research-scheduler/internal/scheduler"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStore_FileBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()

	st, err := OpenStore(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, st.Close()) })

	assert.NoError(t, st.HealthCheck(context.Background()))

	status, err := st.Store.CreateJob(context.Background(), domain.JobRequest{Query: "What is gossip?"})
	require.NoError(t, err)

	got, err := st.Store.GetJob(context.Background(), status.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "cassandra"

	st, err := OpenStore(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage backend")
	assert.Nil(t, st)
}

func TestRabbitMQConfig(t *testing.T) {
	cfg := config.Default().RabbitMQ
	cfg.Host = "broker"

	rc := RabbitMQConfig(&cfg)

	assert.Equal(t, "broker", rc.Host)
	assert.Equal(t, 5672, rc.Port)
	assert.Equal(t, "research_requests", rc.QueueName)
	assert.Equal(t, "research_dlx", rc.DeadLetterExchange)
	assert.Equal(t, "research_requests_dlq", rc.DeadLetterQueue)
	assert.Equal(t, "research_events", rc.EventsExchange)
	assert.Equal(t, 3, rc.PublishRetries)
	assert.Equal(t, "amqp://:@broker:5672/", rc.DSN())
}

func TestEventPublisher_WithoutClient(t *testing.T) {
	cfg := config.Default().RabbitMQ

	publisher := EventPublisher(nil, &cfg, testLogger())

	assert.IsType(t, scheduler.NoopPublisher{}, publisher)
}

func TestInitLogger(t *testing.T) {
	log, err := InitLogger(&config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	assert.NotNil(t, log.Logger)
}

func TestNewRunner_RunsJobsWithSimulatedAgent(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()
	cfg.Agent.StepDelay = 0
	cfg.Scheduler.CheckInterval = 10 * time.Millisecond
	cfg.Scheduler.RecoverOnStart = false

	st, err := OpenStore(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runner := NewRunner(cfg, st.Store, scheduler.NoopPublisher{}, testLogger())
	require.NoError(t, runner.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Stop(ctx)
	})

	jobID, err := runner.Submit(context.Background(), domain.JobRequest{Query: "Explain quorum reads"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := runner.Status(context.Background(), jobID)
		return err == nil && status.Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
