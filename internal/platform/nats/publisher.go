package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phrazzld/archivist/internal/events"
)

// Publisher forwards job lifecycle events to NATS. It implements
// events.EventHandler so it can be registered on the in-process emitter.
type Publisher struct {
	conn    Conn
	subject string
	logger  *slog.Logger
}

var _ events.EventHandler = (*Publisher)(nil)

// NewPublisher creates a Publisher that sends job finished events to
// subject. Other event types are ignored.
func NewPublisher(conn Conn, subject string, logger *slog.Logger) *Publisher {
	if subject == "" {
		subject = DefaultJobEventSubject
	}
	return &Publisher{
		conn:    conn,
		subject: subject,
		logger:  logger.With("component", "nats_publisher"),
	}
}

// HandleEvent publishes the event as JSON.
func (p *Publisher) HandleEvent(ctx context.Context, event *events.JobEvent) error {
	if event.Type != events.JobFinished {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Error("failed to publish job event", "error", err, "job_id", event.JobID, "subject", p.subject)
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
