package core

import (
	"context"

	"github.com/google/uuid"
)

// FieldCorrelationID is the log field carrying a message's correlation id.
const FieldCorrelationID = "correlationId"

type correlationIDKey struct{}

// WithCorrelationID adds a correlation id to the context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFrom retrieves the correlation id from context
func CorrelationIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewCorrelationID generates a new correlation id
func NewCorrelationID() string {
	return uuid.New().String()
}
