package middleware

import "context"

// ContextKey is a type for context keys set by this package.
type ContextKey string

const (
	// CorrelationIDKey is the context key for correlation ID.
	CorrelationIDKey ContextKey = "correlation_id"

	// CorrelationIDHeader is echoed on every response.
	CorrelationIDHeader = "X-Correlation-Id"
)

func contextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithCorrelationID stores id in ctx. Entry points that bypass the HTTP
// middleware, such as the Lambda adapter, use it directly.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return contextWithCorrelationID(ctx, id)
}

// GetCorrelationID extracts the correlation ID from context.
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return v
	}
	return ""
}
