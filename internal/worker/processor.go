package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrInvalidPayload is returned for messages that can never be admitted
var ErrInvalidPayload = errors.New("invalid intake payload")

const contentTypeJSON = "application/json"

// processDelivery decodes a JobRequest from the message and submits it
func (w *Worker) processDelivery(ctx context.Context, delivery amqp.Delivery) (string, error) {
	if delivery.ContentType != "" && delivery.ContentType != contentTypeJSON {
		return "", fmt.Errorf("%w: unsupported content type %q", ErrInvalidPayload, delivery.ContentType)
	}

	var req domain.JobRequest
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if w.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.submitTimeout)
		defer cancel()
	}

	jobID, err := w.submitter.Submit(ctx, req)
	if err != nil {
		var storageErr *domain.StorageError
		switch {
		case errors.Is(err, domain.ErrInvalidRequest):
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrShutdown):
			return "", domain.NewRetryableError(err)
		case errors.As(err, &storageErr), errors.Is(err, context.DeadlineExceeded):
			return "", domain.NewRetryableError(fmt.Errorf("failed to submit job: %w", err))
		default:
			return "", fmt.Errorf("failed to submit job: %w", err)
		}
	}

	w.logger.Info("Job submitted from intake queue",
		slog.String("job_id", jobID),
		slog.String("message_id", delivery.MessageId),
		slog.Int("priority", req.Priority),
	)

	return jobID, nil
}
