// Package nats carries task reports and job lifecycle events over NATS core
// pub/sub. Reports arrive on a queue subscription so that several server
// processes share the load; lifecycle events are plain publishes.
package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Default subjects.
const (
	DefaultReactionSubject = "archivist.reactions"
	DefaultQueueGroup      = "archivist"
	DefaultJobEventSubject = "archivist.jobs.finished"
)

// Conn is the subset of *nats.Conn used by this package.
type Conn interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// Connect dials the server and keeps reconnecting for the life of the
// process.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	log := logger.With("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name("archivist"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return nc, nil
}
