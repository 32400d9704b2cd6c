package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/phrazzld/archivist/internal/domain"
)

// ReportHandler applies a task report.
type ReportHandler interface {
	Handle(ctx context.Context, report *domain.TaskReport) error
}

// Ack is the reply sent to requests that carry a reply subject.
type Ack struct {
	TaskID uuid.UUID `json:"task_id"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
}

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Subject    string
	QueueGroup string
	// HandleTimeout bounds each report. Defaults to 30s.
	HandleTimeout time.Duration
}

// Subscriber feeds task reports published by workers to a ReportHandler.
type Subscriber struct {
	conn    Conn
	handler ReportHandler
	cfg     SubscriberConfig
	logger  *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewSubscriber creates a Subscriber. Call Start to begin receiving.
func NewSubscriber(conn Conn, handler ReportHandler, cfg SubscriberConfig, logger *slog.Logger) *Subscriber {
	if cfg.Subject == "" {
		cfg.Subject = DefaultReactionSubject
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = DefaultQueueGroup
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	return &Subscriber{
		conn:    conn,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "nats_reactions", "subject", cfg.Subject),
	}
}

// Start subscribes to the report subject.
func (s *Subscriber) Start() error {
	sub, err := s.conn.QueueSubscribe(s.cfg.Subject, s.cfg.QueueGroup, s.onMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.cfg.Subject, err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.logger.Info("listening for task reports", "queue_group", s.cfg.QueueGroup)
	return nil
}

// Stop drains the subscription so in-flight reports finish.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("failed to drain subscription", "error", err)
	}
}

func (s *Subscriber) onMessage(msg *nats.Msg) {
	var report domain.TaskReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		s.logger.Error("failed to unmarshal task report", "error", err)
		s.reply(msg, Ack{Error: "malformed report"})
		return
	}
	if report.TaskID == uuid.Nil {
		s.logger.Error("task report without task id")
		s.reply(msg, Ack{Error: "missing task_id"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandleTimeout)
	defer cancel()

	ack := Ack{TaskID: report.TaskID, OK: true}
	if err := s.handler.Handle(ctx, &report); err != nil {
		s.logger.Error("failed to handle task report", "task_id", report.TaskID, "error", err)
		ack.OK = false
		ack.Error = err.Error()
	}
	s.reply(msg, ack)
}

func (s *Subscriber) reply(msg *nats.Msg, ack Ack) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		s.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := s.conn.Publish(msg.Reply, data); err != nil {
		s.logger.Warn("failed to send ack", "reply", msg.Reply, "error", err)
	}
}
