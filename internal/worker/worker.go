// Package worker consumes research requests from the RabbitMQ intake queue and
// admits them into the scheduler.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned by Start when the broker closes the delivery channel
var ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// Submitter admits research requests into the scheduler
type Submitter interface {
	Submit(ctx context.Context, req domain.JobRequest) (string, error)
}

// DeliverySource is the part of the RabbitMQ client the worker consumes from
type DeliverySource interface {
	SetQoS(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Submitter     Submitter
	Source        DeliverySource
	WorkerID      string
	QueueName     string
	Concurrency   int
	PrefetchCount int
	SubmitTimeout time.Duration
	RequeueDelay  time.Duration
}

// Worker pulls intake messages and submits them with a fixed pool of goroutines
type Worker struct {
	logger        *slog.Logger
	submitter     Submitter
	source        DeliverySource
	workerID      string
	queueName     string
	concurrency   int
	prefetchCount int
	submitTimeout time.Duration
	requeueDelay  time.Duration
	jobsChan      chan amqp.Delivery
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := max(cfg.Concurrency, 1)

	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "intake-" + uuid.NewString()[:8]
	}

	return &Worker{
		logger:        cfg.Logger,
		submitter:     cfg.Submitter,
		source:        cfg.Source,
		workerID:      workerID,
		queueName:     cfg.QueueName,
		concurrency:   concurrency,
		prefetchCount: prefetch,
		submitTimeout: cfg.SubmitTimeout,
		requeueDelay:  cfg.RequeueDelay,
		jobsChan:      make(chan amqp.Delivery),
		stopChan:      make(chan struct{}),
	}
}

// Start consumes intake messages until ctx is done, Stop is called or the
// broker closes the delivery channel
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	closed := w.startMessageDispatcher(ctx, deliveries)

	w.Stop()

	if closed {
		return ErrDeliveriesClosed
	}
	return nil
}

// Stop gracefully stops the worker pool and waits for in-flight messages
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
	)
}
