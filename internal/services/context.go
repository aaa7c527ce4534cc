package services

import "context"

type contextKey string

const (
	trackingIDKey contextKey = "tracking_id"
	stageKey      contextKey = "stage"
	consumerKey   contextKey = "consumer"
	requestIDKey  contextKey = "request_id"
)

// WithTrackingID annotates context with the job tracking identity.
func WithTrackingID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, trackingIDKey, id)
}

// TrackingIDFromContext extracts the job tracking identity if present.
func TrackingIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(trackingIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the workflow stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithConsumer annotates context with the consumer group member name.
func WithConsumer(ctx context.Context, consumer string) context.Context {
	if consumer == "" {
		return ctx
	}
	return context.WithValue(ctx, consumerKey, consumer)
}

// ConsumerFromContext returns the consumer name if present.
func ConsumerFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(consumerKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
