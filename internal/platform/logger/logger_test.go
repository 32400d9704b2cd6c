package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/phrazzld/archivist/internal/config"
	"github.com/phrazzld/archivist/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	l, err := logger.Setup(config.ServerConfig{LogLevel: "warn", LogFormat: "json"})
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Same(t, l, slog.Default())
	assert.False(t, l.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, l.Enabled(context.Background(), slog.LevelWarn))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, logger.ParseLevel(tt.name))
		})
	}
}

func TestNew_Formats(t *testing.T) {
	t.Parallel()

	var jsonBuf bytes.Buffer
	logger.New(&jsonBuf, "info", "json").Info("dispatched", slog.String("task_id", "t1"))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(jsonBuf.Bytes(), &entry))
	assert.Equal(t, "dispatched", entry["msg"])
	assert.Equal(t, "t1", entry["task_id"])

	var textBuf bytes.Buffer
	logger.New(&textBuf, "info", "text").Info("dispatched", slog.String("task_id", "t1"))
	assert.True(t, strings.Contains(textBuf.String(), "task_id=t1"))

	var quiet bytes.Buffer
	logger.New(&quiet, "error", "json").Info("dropped")
	assert.Zero(t, quiet.Len())
}

func TestFromContextOrDefault(t *testing.T) {
	t.Parallel()

	def := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	//nolint:staticcheck // nil context is handled explicitly
	assert.Same(t, def, logger.FromContextOrDefault(nil, def))
	assert.Same(t, def, logger.FromContextOrDefault(context.Background(), def))
	assert.Same(t, custom, logger.FromContextOrDefault(logger.WithLogger(context.Background(), custom), def))
}

func TestWithLogger_NilPanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		logger.WithLogger(context.Background(), nil)
	})
}

func TestWithRequestID(t *testing.T) {
	t.Parallel()

	ctx, buf := logger.NewTestContext(t)
	ctx = logger.WithRequestID(ctx, "req-42")

	assert.Equal(t, "req-42", logger.RequestIDFromContext(ctx))
	logger.FromContext(ctx).Info("handled")

	entries := buf.EntriesWithMessage("handled")
	require.Len(t, entries, 1)
	assert.Equal(t, "req-42", entries[0]["request_id"])
	assert.Empty(t, logger.RequestIDFromContext(context.Background()))
}
