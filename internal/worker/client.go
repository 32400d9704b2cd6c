package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/phrazzld/archivist/internal/worker"

// Executor sends one task to one worker.
// Version: 1.0
type Executor interface {
	Execute(ctx context.Context, host string, req DispatchRequest) (*DispatchResponse, error)
}

// ClientConfig holds the two independent dispatch timeouts.
type ClientConfig struct {
	// ConnectTimeout bounds establishing the connection.
	ConnectTimeout time.Duration
	// ExecuteTimeout bounds the whole request once dispatched.
	ExecuteTimeout time.Duration
}

// Client is the HTTP Executor. It never retries: a failed dispatch is
// reverted by the caller and picked up again on a later pass.
type Client struct {
	http           *http.Client
	executeTimeout time.Duration
	tracer         trace.Tracer
}

// NewClient creates a dispatch client.
func NewClient(cfg ClientConfig) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		http:           &http.Client{Transport: transport},
		executeTimeout: cfg.ExecuteTimeout,
		tracer:         otel.Tracer(tracerName),
	}
}

// Execute implements Executor. Errors match ErrConnectFailure,
// ErrExecutionTimeout or ErrRemote.
func (c *Client) Execute(ctx context.Context, host string, req DispatchRequest) (*DispatchResponse, error) {
	ctx, span := c.tracer.Start(ctx, "worker.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("worker.host", host),
			attribute.String("task.id", req.TaskID.String()),
			attribute.String("job.id", req.JobID.String()),
		))
	defer span.End()

	resp, err := c.execute(ctx, host, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.ExitStatus != nil {
		span.SetAttributes(attribute.Int("task.exit_status", *resp.ExitStatus))
	}
	return resp, nil
}

func (c *Client) execute(ctx context.Context, host string, req DispatchRequest) (*DispatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrRemote, err)
	}

	if c.executeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.executeTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, NormalizeURL(host)+ExecutePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRemote, res.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out DispatchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrExecutionTimeout, err)
		}
		return nil, fmt.Errorf("%w: decode response: %v", ErrRemote, err)
	}
	if !out.Accepted {
		return nil, fmt.Errorf("%w: task rejected", ErrRemote)
	}
	return &out, nil
}

func classify(ctx context.Context, err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrConnectFailure, err)
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrExecutionTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrExecutionTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrRemote, err)
}
