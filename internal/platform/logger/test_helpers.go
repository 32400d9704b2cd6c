package logger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

// Capture collects JSON log lines written during a test.
type Capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

// Entries decodes every captured line. Lines that are not JSON are skipped.
func (c *Capture) Entries() []map[string]any {
	c.mu.Lock()
	data := bytes.Clone(c.buf.Bytes())
	c.mu.Unlock()

	var entries []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var e map[string]any
		if json.Unmarshal(sc.Bytes(), &e) == nil {
			entries = append(entries, e)
		}
	}
	return entries
}

// EntriesWithMessage filters Entries by the msg field.
func (c *Capture) EntriesWithMessage(msg string) []map[string]any {
	var out []map[string]any
	for _, e := range c.Entries() {
		if e["msg"] == msg {
			out = append(out, e)
		}
	}
	return out
}

// NewTestContext returns a context whose logger writes debug JSON into the
// returned Capture.
func NewTestContext(t *testing.T) (context.Context, *Capture) {
	t.Helper()
	c := &Capture{}
	l := slog.New(slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return WithLogger(context.Background(), l), c
}
