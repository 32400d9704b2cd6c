package nats

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu       sync.Mutex
	subject  string
	queue    string
	cb       nats.MsgHandler
	messages []published
	err      error
}

func (c *fakeConn) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.subject, c.queue, c.cb = subject, queue, cb
	return nil, nil
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, published{subject: subject, data: data})
	return nil
}

type handlerFunc func(ctx context.Context, r *domain.TaskReport) error

func (f handlerFunc) Handle(ctx context.Context, r *domain.TaskReport) error { return f(ctx, r) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscriber_DeliversReportsAndAcks(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	var got *domain.TaskReport
	sub := NewSubscriber(conn, handlerFunc(func(ctx context.Context, r *domain.TaskReport) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		got = r
		return nil
	}), SubscriberConfig{}, discardLogger())
	require.NoError(t, sub.Start())
	defer sub.Stop()

	assert.Equal(t, DefaultReactionSubject, conn.subject)
	assert.Equal(t, DefaultQueueGroup, conn.queue)

	id := uuid.New()
	conn.cb(&nats.Msg{
		Subject: DefaultReactionSubject,
		Reply:   "_INBOX.1",
		Data:    []byte(`{"task_id":"` + id.String() + `","exit_status":0,"reaction":{"expand":[{"name":"a","script":{}}]}}`),
	})

	require.NotNil(t, got)
	assert.Equal(t, id, got.TaskID)
	require.Len(t, got.Reaction.Expand, 1)

	require.Len(t, conn.messages, 1)
	assert.Equal(t, "_INBOX.1", conn.messages[0].subject)
	var ack Ack
	require.NoError(t, json.Unmarshal(conn.messages[0].data, &ack))
	assert.True(t, ack.OK)
	assert.Equal(t, id, ack.TaskID)
}

func TestSubscriber_ReportsFailures(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	calls := 0
	sub := NewSubscriber(conn, handlerFunc(func(ctx context.Context, r *domain.TaskReport) error {
		calls++
		return errors.New("store unavailable")
	}), SubscriberConfig{Subject: "reports", QueueGroup: "g"}, discardLogger())
	require.NoError(t, sub.Start())

	conn.cb(&nats.Msg{Reply: "r1", Data: []byte(`not json`)})
	conn.cb(&nats.Msg{Reply: "r2", Data: []byte(`{"exit_status":0}`)})
	conn.cb(&nats.Msg{Reply: "r3", Data: []byte(`{"task_id":"` + uuid.NewString() + `"}`)})
	conn.cb(&nats.Msg{Data: []byte(`{"task_id":"` + uuid.NewString() + `"}`)})

	assert.Equal(t, 2, calls)
	require.Len(t, conn.messages, 3, "no reply subject, no ack")

	for i, want := range []string{"malformed report", "missing task_id", "store unavailable"} {
		var ack Ack
		require.NoError(t, json.Unmarshal(conn.messages[i].data, &ack))
		assert.False(t, ack.OK)
		assert.Equal(t, want, ack.Error)
	}
}

func TestPublisher_PublishesFinishedEvents(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	pub := NewPublisher(conn, "", discardLogger())
	jobID := uuid.New()

	finished, err := events.NewJobEvent(events.JobFinished, jobID, map[string]string{"name": "library"})
	require.NoError(t, err)
	cancelled, err := events.NewJobEvent(events.JobCancelled, jobID, nil)
	require.NoError(t, err)

	require.NoError(t, pub.HandleEvent(context.Background(), finished))
	require.NoError(t, pub.HandleEvent(context.Background(), cancelled))

	require.Len(t, conn.messages, 1)
	assert.Equal(t, DefaultJobEventSubject, conn.messages[0].subject)

	var decoded events.JobEvent
	require.NoError(t, json.Unmarshal(conn.messages[0].data, &decoded))
	assert.Equal(t, jobID, decoded.JobID)
	assert.Equal(t, events.JobFinished, decoded.Type)
}

func TestPublisher_PublishError(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{err: nats.ErrConnectionClosed}
	pub := NewPublisher(conn, "jobs", discardLogger())
	event, err := events.NewJobEvent(events.JobFinished, uuid.New(), nil)
	require.NoError(t, err)

	err = pub.HandleEvent(context.Background(), event)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}
