package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmitter() *InMemoryEventEmitter {
	return NewInMemoryEventEmitter(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func finishedEvent(t *testing.T) *JobEvent {
	t.Helper()
	event, err := NewJobEvent(JobFinished, uuid.New(), map[string]int{"total": 3})
	require.NoError(t, err)
	return event
}

func TestEmitEvent_NoHandlers(t *testing.T) {
	t.Parallel()

	assert.NoError(t, newEmitter().EmitEvent(context.Background(), finishedEvent(t)))
}

func TestEmitEvent_FiltersByType(t *testing.T) {
	t.Parallel()

	emitter := newEmitter()
	all := &recordingHandler{}
	finishedOnly := &recordingHandler{}
	cancelledOnly := &recordingHandler{}
	emitter.RegisterHandler(all)
	emitter.RegisterHandler(finishedOnly, JobFinished)
	emitter.RegisterHandler(cancelledOnly, JobCancelled, JobRestarted)

	event := finishedEvent(t)
	require.NoError(t, emitter.EmitEvent(context.Background(), event))

	assert.Equal(t, 1, all.count)
	assert.Equal(t, event, finishedOnly.last)
	assert.Zero(t, cancelledOnly.count)
}

func TestEmitEvent_FailuresDoNotStopDelivery(t *testing.T) {
	t.Parallel()

	emitter := newEmitter()
	first := &recordingHandler{err: errors.New("hook down")}
	panicking := HandlerFunc(func(ctx context.Context, event *JobEvent) error { panic("bad hook") })
	last := &recordingHandler{}
	emitter.RegisterHandler(first)
	emitter.RegisterHandler(panicking)
	emitter.RegisterHandler(last)

	err := emitter.EmitEvent(context.Background(), finishedEvent(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, first.err)
	assert.ErrorContains(t, err, "panicked: bad hook")

	assert.Equal(t, 1, first.count)
	assert.Equal(t, 1, last.count)
}
