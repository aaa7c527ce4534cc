package logging

import (
	"context"
	"log/slog"

	"stemflow/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldTrackingID is the standardized key for the job tracking identity.
	FieldTrackingID = "tracking_id"
	// FieldStage is the standardized structured logging key for workflow stage names.
	FieldStage = "stage"
	// FieldConsumer is the standardized key for the consumer group member name.
	FieldConsumer = "consumer"
	// FieldStream is the standardized key for stream names.
	FieldStream = "stream"
	// FieldMessageID is the standardized key for stream entry identifiers.
	FieldMessageID = "message_id"
	// FieldFilename is the standardized key for the processed filename.
	FieldFilename = "filename"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint carries the suggested next step for an operator.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
	// FieldError holds the error value of a failed operation.
	FieldError = "error"
	// FieldErrorKind is the services classification of FieldError.
	FieldErrorKind = "error_kind"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.TrackingIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldTrackingID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if consumer, ok := services.ConsumerFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldConsumer, consumer))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
