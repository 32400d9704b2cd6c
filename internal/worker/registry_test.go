package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestStaticRegistry(t *testing.T) {
	t.Parallel()

	reg := NewStaticRegistry([]string{" http://a/ ", "", "http://b"})
	nodes, err := reg.Nodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "http://a", nodes[0].URL)
	assert.Equal(t, NodeUp, nodes[1].State)

	nodes[0].URL = "mutated"
	again, _ := reg.Nodes(context.Background())
	assert.Equal(t, "http://a", again[0].URL)
}

func TestMemoryRegistry_HeartbeatExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	reg := NewMemoryRegistry(30 * time.Second)
	reg.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, reg.Report(ctx, Node{URL: "http://b:7000/", State: NodeUp, ThreadsTotal: 8}))
	require.NoError(t, reg.Report(ctx, Node{URL: "http://a:7000", State: NodeUp, ThreadsTotal: 4}))

	nodes, err := reg.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "http://a:7000", nodes[0].URL)
	assert.Equal(t, "http://b:7000", nodes[1].URL)
	assert.Equal(t, now, nodes[0].LastReport)

	now = now.Add(20 * time.Second)
	require.NoError(t, reg.Report(ctx, Node{URL: "http://a:7000", State: NodeUp, ThreadsTotal: 4, QueueSize: 1}))
	now = now.Add(15 * time.Second)

	nodes, err = reg.Nodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, NodeUp, nodes[0].State)
	assert.Equal(t, 1, nodes[0].QueueSize)
	assert.Equal(t, NodeDown, nodes[1].State, "b missed its heartbeat")
}

func TestMemoryRegistry_RejectsInvalidReports(t *testing.T) {
	t.Parallel()

	reg := NewMemoryRegistry(time.Minute)
	ctx := context.Background()

	assert.ErrorIs(t, reg.Report(ctx, Node{URL: "not a url", State: NodeUp}), ErrInvalidNode)
	assert.Error(t, reg.Report(ctx, Node{URL: "http://a", State: "sleeping"}))
	assert.Error(t, reg.Report(ctx, Node{URL: "http://a", State: NodeUp, QueueSize: -1}))

	nodes, err := reg.Nodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
