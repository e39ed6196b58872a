package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
)

// EventType names a lifecycle event; it doubles as the AMQP routing key
type EventType string

// Lifecycle events
const (
	EventJobSubmitted EventType = "job.submitted"
	EventJobStarted   EventType = "job.started"
	EventJobPhase     EventType = "job.phase"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"
)

// Event is the payload published for a lifecycle change
type Event struct {
	Type       EventType     `json:"type"`
	JobID      string        `json:"job_id"`
	Status     domain.Status `json:"status"`
	Phase      domain.Phase  `json:"phase"`
	Progress   int           `json:"progress"`
	Message    string        `json:"message,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

func newEvent(t EventType, status *domain.JobStatus, message string) Event {
	return Event{
		Type:       t,
		JobID:      status.JobID,
		Status:     status.Status,
		Phase:      status.Phase,
		Progress:   status.Progress,
		Message:    message,
		OccurredAt: status.UpdatedAt,
	}
}

// EventPublisher delivers lifecycle events to interested parties
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// NoopPublisher drops every event
type NoopPublisher struct{}

// Publish does nothing
func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// eventSender is the subset of the RabbitMQ client used for events
type eventSender interface {
	PublishEvent(ctx context.Context, routingKey string, body []byte) error
}

// AMQPPublisher publishes events as JSON to a topic exchange
type AMQPPublisher struct {
	sender eventSender
	logger *slog.Logger
}

// NewAMQPPublisher creates a new AMQPPublisher
func NewAMQPPublisher(sender eventSender, logger *slog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		sender: sender,
		logger: logger,
	}
}

// Publish encodes the event and sends it with its type as routing key
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.sender.PublishEvent(ctx, string(event.Type), body); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	p.logger.Debug("Lifecycle event published",
		slog.String("job_id", event.JobID),
		slog.String("event", string(event.Type)),
	)
	return nil
}
