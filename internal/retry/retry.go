package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"stemflow/internal/jobstate"
	"stemflow/internal/logging"
	"stemflow/internal/notifications"
	"stemflow/internal/services"
)

const defaultNotifyTimeout = 15 * time.Second

// Request describes one orchestrated run of a stage body.
type Request struct {
	Stage       string
	Filename    string
	TrackingID  string
	MaxAttempts int
	Delay       time.Duration
}

// Orchestrator owns the stores and channels used to account for failures.
type Orchestrator struct {
	store         jobstate.Store
	notifier      notifications.Service
	logger        *slog.Logger
	notifyTimeout time.Duration
	sleep         func(context.Context, time.Duration) error
}

// New constructs an Orchestrator. A nil notifier drops terminal notifications.
func New(store jobstate.Store, notifier notifications.Service, logger *slog.Logger) *Orchestrator {
	if notifier == nil {
		notifier = notifications.NewNoop()
	}
	return &Orchestrator{
		store:         store,
		notifier:      notifier,
		logger:        logging.NewComponentLogger(logger, "retry"),
		notifyTimeout: defaultNotifyTimeout,
		sleep:         sleepContext,
	}
}

// Body is one attempt of a stage body. attempt starts at 1.
type Body[T any] func(ctx context.Context, attempt int) (T, error)

// Run calls body up to req.MaxAttempts times. Poison and configuration
// errors stop the loop early; a poison error is returned as is, everything
// else that never succeeds is returned wrapped with services.ErrExhausted.
func Run[T any](ctx context.Context, o *Orchestrator, req Request, body Body[T]) (T, error) {
	var zero T
	attempts := max(req.MaxAttempts, 1)
	logger := o.logger.With(
		logging.String(logging.FieldStage, req.Stage),
		logging.String(logging.FieldFilename, req.Filename),
		logging.String(logging.FieldTrackingID, req.TrackingID),
	)

	var (
		lastErr error
		tried   int
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		tried = attempt
		result, stack, err := call(ctx, attempt, body)
		if err == nil {
			if resetErr := o.store.ResetRetry(ctx, req.Stage, req.Filename); resetErr != nil {
				logger.Warn("retry counter reset failed",
					logging.Error(resetErr),
					logging.String(logging.FieldEventType, "retry_reset_failed"),
					logging.String(logging.FieldImpact, "the next failure starts from a stale count"),
				)
			}
			if attempt > 1 {
				logger.Info("stage body succeeded after retry", logging.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err
		o.recordFailure(ctx, logger, req, attempt, err, stack)

		if errors.Is(err, services.ErrPoison) {
			return zero, err
		}
		if !services.Retryable(err) {
			logger.Warn("error is not retryable; skipping remaining attempts",
				logging.String(logging.FieldEventType, "retry_aborted"),
				logging.String(logging.FieldErrorHint, "fix the configuration and clear the file"),
			)
			break
		}
		if attempt < attempts && req.Delay > 0 {
			if err := o.sleep(ctx, req.Delay); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}
	}

	o.notifyExhausted(ctx, logger, req, tried, lastErr)
	return zero, fmt.Errorf("%w: %s failed for %s after %d attempt(s): %w", services.ErrExhausted, req.Stage, req.Filename, tried, lastErr)
}

// call runs one attempt, converting a panic into an error and its stack.
func call[T any](ctx context.Context, attempt int, body Body[T]) (result T, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = services.Wrap(services.ErrTransient, "", "stage body", "panic", fmt.Errorf("%v", r))
		}
	}()
	result, err = body(ctx, attempt)
	return result, "", err
}

func (o *Orchestrator) recordFailure(ctx context.Context, logger *slog.Logger, req Request, attempt int, err error, stack string) {
	count, incErr := o.store.IncrementRetry(ctx, req.Stage, req.Filename)
	if incErr != nil {
		logger.Warn("retry counter increment failed",
			logging.Error(incErr),
			logging.String(logging.FieldEventType, "retry_increment_failed"),
		)
	}

	details := services.Details(err)
	detail := details.Cause
	if stack != "" {
		detail = strings.TrimSpace(detail + "\n" + stack)
	}
	rec := jobstate.ErrorRecord{
		TrackingID: req.TrackingID,
		Filename:   req.Filename,
		Stage:      req.Stage,
		Attempt:    attempt,
		Kind:       details.Kind,
		Message:    details.Message,
		Detail:     detail,
	}
	if recErr := o.store.RecordError(ctx, rec); recErr != nil {
		logger.Warn("error record write failed",
			logging.Error(recErr),
			logging.String(logging.FieldEventType, "error_record_failed"),
			logging.String(logging.FieldImpact, "status output may not show this failure"),
		)
	}

	logger.Error("stage body failed",
		logging.Int("attempt", attempt),
		logging.Int("max_attempts", max(req.MaxAttempts, 1)),
		logging.Int("retry_count", count),
		logging.String("error_kind", details.Kind),
		logging.Error(err),
		logging.String(logging.FieldEventType, "stage_attempt_failed"),
	)
}

func (o *Orchestrator) notifyExhausted(ctx context.Context, logger *slog.Logger, req Request, attempts int, err error) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.notifyTimeout)
	defer cancel()
	payload := notifications.Payload{
		"stage":       req.Stage,
		"filename":    req.Filename,
		"tracking_id": req.TrackingID,
		"attempts":    attempts,
		"error":       err,
	}
	if notifyErr := o.notifier.Publish(notifyCtx, notifications.EventStageFailed, payload); notifyErr != nil {
		logger.Warn("failure notification not delivered",
			logging.Error(notifyErr),
			logging.String(logging.FieldEventType, "notify_failed"),
			logging.String(logging.FieldImpact, "operators rely on status output for this failure"),
		)
	}
	logging.ErrorWithContext(logger, "stage exhausted retries", "stage_exhausted",
		logging.Int("attempts", attempts),
		logging.Error(err),
		logging.Alert("stage_exhausted"),
		logging.String(logging.FieldErrorHint, "inspect with stemflow job, then stemflow clear to retry"),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
