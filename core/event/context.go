package event

import (
	"context"
	"time"
)

type (
	eventIDKey      struct{}
	eventTypeKey    struct{}
	roomIDKey       struct{}
	startedAtKey    struct{}
	retryAttemptKey struct{}
)

// WithEventMeta adds event metadata to the context.
func WithEventMeta(ctx context.Context, e *Event, startedAt time.Time) context.Context {
	ctx = context.WithValue(ctx, eventIDKey{}, e.ID)
	ctx = context.WithValue(ctx, eventTypeKey{}, e.Type)
	ctx = context.WithValue(ctx, roomIDKey{}, e.RoomID)
	ctx = context.WithValue(ctx, startedAtKey{}, startedAt)
	ctx = context.WithValue(ctx, retryAttemptKey{}, e.RetryCount())
	return ctx
}

// EventID extracts the event ID from the context.
func EventID(ctx context.Context) string {
	if v, ok := ctx.Value(eventIDKey{}).(string); ok {
		return v
	}
	return ""
}

// EventTypeFromContext extracts the event type from the context.
func EventTypeFromContext(ctx context.Context) EventType {
	if v, ok := ctx.Value(eventTypeKey{}).(EventType); ok {
		return v
	}
	return ""
}

// RoomID extracts the room the event belongs to.
func RoomID(ctx context.Context) string {
	if v, ok := ctx.Value(roomIDKey{}).(string); ok {
		return v
	}
	return ""
}

// StartProcessingTime extracts when the bus started processing the event.
func StartProcessingTime(ctx context.Context) time.Time {
	if v, ok := ctx.Value(startedAtKey{}).(time.Time); ok {
		return v
	}
	return time.Time{}
}

// RetryAttempt extracts how many times the event was retried before this pass.
func RetryAttempt(ctx context.Context) int {
	if v, ok := ctx.Value(retryAttemptKey{}).(int); ok {
		return v
	}
	return 0
}
