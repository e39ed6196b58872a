package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop submits deliveries until the worker stops
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case delivery := <-w.jobsChan:
			w.handleDelivery(ctx, workerName, delivery)
		}
	}
}

// handleDelivery submits one message and settles it with the broker
func (w *Worker) handleDelivery(ctx context.Context, workerName string, delivery amqp.Delivery) {
	jobID, err := w.processDelivery(ctx, delivery)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", jobID),
				slog.Any("error", ackErr),
			)
		}
		return
	}

	requeue := w.shouldRequeue(err)
	w.logger.Warn("Intake message rejected",
		slog.String("worker_name", workerName),
		slog.String("message_id", delivery.MessageId),
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)

	if requeue && w.requeueDelay > 0 {
		timer := time.NewTimer(w.requeueDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-w.stopChan:
		}
		timer.Stop()
	}

	if nackErr := delivery.Nack(false, requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.String("message_id", delivery.MessageId),
			slog.Any("error", nackErr),
		)
	}
}

// shouldRequeue determines if a message goes back to the queue or to the dead-letter queue
func (w *Worker) shouldRequeue(err error) bool {
	if errors.Is(err, ErrInvalidPayload) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
