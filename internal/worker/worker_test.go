package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	tag     uint64
	acked   bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, acked: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) get(tag uint64) (settlement, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.settled {
		if s.tag == tag {
			return s, true
		}
	}
	return settlement{}, false
}

type fakeSource struct {
	deliveries chan amqp.Delivery
	prefetch   int
	qosErr     error
}

func (s *fakeSource) SetQoS(prefetchCount int) error {
	s.prefetch = prefetchCount
	return s.qosErr
}

func (s *fakeSource) Consume(string) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

type submitFunc func(ctx context.Context, req domain.JobRequest) (string, error)

func (f submitFunc) Submit(ctx context.Context, req domain.JobRequest) (string, error) {
	return f(ctx, req)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessDelivery(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		submitErr   error
		wantErr     error
		wantRequeue bool
	}{
		{
			name: "valid request",
			body: `{"query":"What is Raft?","priority":3,"tags":["consensus"]}`,
		},
		{
			name:        "explicit json content type",
			contentType: "application/json",
			body:        `{"query":"What is Paxos?"}`,
		},
		{
			name:        "wrong content type",
			contentType: "text/plain",
			body:        `{"query":"x"}`,
			wantErr:     ErrInvalidPayload,
		},
		{
			name:    "malformed json",
			body:    `{"query":`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "blank query",
			body:    `{"query":"  "}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "priority out of range",
			body:    `{"query":"q","priority":1000}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:        "queue full",
			body:        `{"query":"q"}`,
			submitErr:   domain.ErrQueueFull,
			wantErr:     domain.ErrQueueFull,
			wantRequeue: true,
		},
		{
			name:        "storage failure",
			body:        `{"query":"q"}`,
			submitErr:   domain.NewStorageError("save_job", "1", errors.New("disk full")),
			wantRequeue: true,
		},
		{
			name:      "unexpected failure",
			body:      `{"query":"q"}`,
			submitErr: errors.New("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var submitted *domain.JobRequest
			w := NewWorker(&Config{
				Logger: testLogger(),
				Submitter: submitFunc(func(_ context.Context, req domain.JobRequest) (string, error) {
					submitted = &req
					if tt.submitErr != nil {
						return "", tt.submitErr
					}
					return "job-1", nil
				}),
			})

			jobID, err := w.processDelivery(context.Background(), amqp.Delivery{
				ContentType: tt.contentType,
				Body:        []byte(tt.body),
			})

			if tt.wantErr == nil && tt.submitErr == nil {
				require.NoError(t, err)
				assert.Equal(t, "job-1", jobID)
				require.NotNil(t, submitted)
				return
			}

			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantRequeue, w.shouldRequeue(err))
		})
	}
}

func TestWorker_SettlesDeliveries(t *testing.T) {
	ack := &fakeAcknowledger{}
	source := &fakeSource{deliveries: make(chan amqp.Delivery)}

	w := NewWorker(&Config{
		Logger: testLogger(),
		Submitter: submitFunc(func(_ context.Context, req domain.JobRequest) (string, error) {
			if req.Query == "full" {
				return "", domain.ErrQueueFull
			}
			return "job-" + req.Query, nil
		}),
		Source:       source,
		WorkerID:     "intake-test",
		Concurrency:  2,
		RequeueDelay: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"query":"ok"}`)}
	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`not json`)}
	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte(`{"query":"full"}`)}

	require.Eventually(t, func() bool {
		_, ok1 := ack.get(1)
		_, ok2 := ack.get(2)
		_, ok3 := ack.get(3)
		return ok1 && ok2 && ok3
	}, 2*time.Second, 5*time.Millisecond)

	s, _ := ack.get(1)
	assert.True(t, s.acked)

	s, _ = ack.get(2)
	assert.False(t, s.acked)
	assert.False(t, s.requeue)

	s, _ = ack.get(3)
	assert.False(t, s.acked)
	assert.True(t, s.requeue)

	assert.Equal(t, 2, source.prefetch)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_StartReturnsWhenDeliveriesClose(t *testing.T) {
	source := &fakeSource{deliveries: make(chan amqp.Delivery)}
	close(source.deliveries)

	w := NewWorker(&Config{
		Logger:    testLogger(),
		Submitter: submitFunc(func(context.Context, domain.JobRequest) (string, error) { return "", nil }),
		Source:    source,
	})

	err := w.Start(context.Background())
	assert.ErrorIs(t, err, ErrDeliveriesClosed)
}

func TestWorker_StartFailsWhenQoSFails(t *testing.T) {
	source := &fakeSource{qosErr: errors.New("channel closed")}

	w := NewWorker(&Config{
		Logger: testLogger(),
		Source: source,
	})

	err := w.Start(context.Background())
	assert.ErrorContains(t, err, "failed to set QoS")
}
