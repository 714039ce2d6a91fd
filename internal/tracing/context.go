// Package tracing records start, end and error events around model and tool
// invocations. Events go to OpenTelemetry spans and to an EventSink; neither
// can fail the request being traced.
package tracing

import (
	"context"

	"guidance-agent/internal/domain"
)

// Context identifies one inbound message for correlation. It lives only for
// the duration of the request.
type Context struct {
	CorrelationID string
	// GroupingID ties all events of one conversation together: the thread
	// key for messaging, the session id for web.
	GroupingID string
	Channel    domain.Channel
	ThreadKey  string
	UserID     string
}

type ctxKey struct{}

// WithContext returns ctx carrying tc.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the trace context stored in ctx, if any.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}
