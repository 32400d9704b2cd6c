package shared

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// ContextKey is the type of request context keys set by the middleware.
type ContextKey string

const (
	// PrincipalIDContextKey holds the authenticated principal's ID.
	PrincipalIDContextKey ContextKey = "principalID"

	// RoleContextKey holds the authenticated principal's role as a string.
	RoleContextKey ContextKey = "role"

	// TraceIDKey is the key for the trace ID in the request context
	TraceIDKey ContextKey = "traceID"

	// TraceIDLength is the number of random bytes in a trace ID
	TraceIDLength = 16
)

// SetTraceID adds a fresh trace ID to the context.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, generateTraceID())
}

// GetTraceID retrieves the trace ID from the context, or "".
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// WithPrincipal stores the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, id uuid.UUID, role string) context.Context {
	ctx = context.WithValue(ctx, PrincipalIDContextKey, id)
	return context.WithValue(ctx, RoleContextKey, role)
}

// Principal returns the principal stored by WithPrincipal.
func Principal(ctx context.Context) (uuid.UUID, string, bool) {
	id, ok := ctx.Value(PrincipalIDContextKey).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, "", false
	}
	role, _ := ctx.Value(RoleContextKey).(string)
	return id, role, true
}

func generateTraceID() string {
	b := make([]byte, TraceIDLength)
	if _, err := rand.Read(b); err != nil {
		// Never hand out a constant ID.
		binary.BigEndian.PutUint64(b[:8], uint64(time.Now().UnixNano()))
		copy(b[8:], uuid.New().NodeID())
	}
	return hex.EncodeToString(b)
}
