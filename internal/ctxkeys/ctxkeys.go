// Package ctxkeys defines the typed context keys threaded through one
// inference request's lifetime, from the HTTP handler down into
// ProxyCore and StatsRecorder.
package ctxkeys

import "context"

type contextKey string

const (
	traceIDKey        contextKey = "trace_id"
	clientIdentityKey contextKey = "client_identity"
	requestIDKey      contextKey = "request_id"
)

// WithTraceID attaches the distributed-tracing trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID retrieves the trace ID set by WithTraceID.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithClientIdentity attaches the authenticated caller identity used
// only for stats attribution, never for routing decisions.
func WithClientIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, clientIdentityKey, identity)
}

// ClientIdentity retrieves the identity set by WithClientIdentity.
func ClientIdentity(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(clientIdentityKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID attaches a per-request correlation ID for log lines
// spanning ProxyCore, CloudRouter, and StatsRecorder.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID retrieves the ID set by WithRequestID.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
