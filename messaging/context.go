package messaging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	traceIDKey contextKey = "messaging.traceId"
	agentIDKey contextKey = "messaging.agentId"
)

// WithTraceID returns a context carrying the trace ID. Messages sent with this
// context inherit the trace ID unless one is set explicitly.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace ID carried by ctx, if any
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// withAgentID records the agent currently handling a message
func withAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// AgentIDFromContext returns the ID of the agent handling the current message
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey).(string); ok {
		return v
	}
	return ""
}

func newTraceID() string {
	return uuid.New().String()
}
