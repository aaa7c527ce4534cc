package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"stemflow/internal/jobstate"
	"stemflow/internal/logging"
	"stemflow/internal/notifications"
	"stemflow/internal/pipeline"
	"stemflow/internal/retry"
	"stemflow/internal/services"
	"stemflow/internal/stage"
	"stemflow/internal/streams"
)

const notifyTimeout = 15 * time.Second

// handle takes one message to an outcome. A nil return means the message was
// acknowledged; an error leaves it pending for redelivery.
func (w *Worker) handle(ctx context.Context, msg streams.Message) error {
	// Shutdown must not interrupt a message once it is in hand.
	ctx = context.WithoutCancel(ctx)
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, w.logger).With(logging.String(logging.FieldMessageID, msg.ID))

	env, err := pipeline.Decode(w.stage.Input, msg.Fields)
	if err != nil {
		return w.discardPoison(ctx, logger, msg, err)
	}

	trackingID := env.Identity()
	ctx = services.WithTrackingID(ctx, trackingID)
	logger = logger.With(
		logging.String(logging.FieldTrackingID, trackingID),
		logging.String(logging.FieldFilename, env.Filename),
	)

	skipped, err := w.skipCompleted(ctx, logger, env, trackingID, msg)
	if err != nil {
		w.failed.Add(1)
		logger.Warn("idempotency check failed; message left pending",
			logging.Error(err),
			logging.String(logging.FieldEventType, "idempotency_check_failed"),
			logging.String(logging.FieldErrorHint, "check the state store connection"),
		)
		return err
	}
	if skipped {
		return nil
	}

	started := w.now()
	logger.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))
	req := retry.Request{
		Stage:       w.stage.Name,
		Filename:    env.Filename,
		TrackingID:  trackingID,
		MaxAttempts: w.cfg.Workflow.MaxRetries,
		Delay:       w.cfg.RetryDelay(),
	}
	result, err := retry.Run(ctx, w.orch, req, func(ctx context.Context, attempt int) (stage.Result, error) {
		return w.handler.Process(ctx, stage.Job{
			TrackingID: trackingID,
			Filename:   env.Filename,
			MessageID:  msg.ID,
			Attempt:    attempt,
			Fields:     maps.Clone(env.Fields),
		})
	})
	if err != nil {
		if errors.Is(err, services.ErrPoison) {
			return w.discardPoison(ctx, logger, msg, err)
		}
		w.failed.Add(1)
		logger.Warn("message left pending after failed attempts",
			logging.Error(err),
			logging.String(logging.FieldEventType, "message_not_acked"),
			logging.String(logging.FieldImpact, "the message is redelivered once reclaimed"),
		)
		return err
	}

	if err := w.commit(ctx, logger, env, trackingID, msg, result); err != nil {
		w.failed.Add(1)
		logger.Error("stage result could not be committed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "commit_failed"),
			logging.String(logging.FieldErrorHint, "the redelivered message resumes from the recorded steps"),
		)
		return err
	}
	w.processed.Add(1)
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("artifact", result.ArtifactPath),
		logging.Duration("stage_duration", w.now().Sub(started)),
	)
	w.cleanup(ctx, logger, env, trackingID, msg, result)
	return nil
}

func (w *Worker) cleanup(ctx context.Context, logger *slog.Logger, env pipeline.Envelope, trackingID string, msg streams.Message, result stage.Result) {
	cleaner, ok := w.handler.(stage.Cleaner)
	if !ok {
		return
	}
	job := stage.Job{TrackingID: trackingID, Filename: env.Filename, MessageID: msg.ID, Attempt: 1, Fields: maps.Clone(env.Fields)}
	if err := cleaner.Cleanup(ctx, job, result); err != nil {
		logger.Warn("intermediate cleanup incomplete",
			logging.Error(err),
			logging.String(logging.FieldEventType, "cleanup_failed"),
			logging.String(logging.FieldImpact, "intermediate files remain on disk"),
		)
	}
}

// discardPoison acknowledges a message that can never be processed.
func (w *Worker) discardPoison(ctx context.Context, logger *slog.Logger, msg streams.Message, cause error) error {
	w.poisoned.Add(1)
	logging.WarnWithContext(logger, "discarding malformed message", "poison_message",
		logging.Error(cause),
		logging.String(logging.FieldStream, w.stage.Input),
		logging.String(logging.FieldImpact, "the message is acknowledged without processing"),
		logging.String(logging.FieldErrorHint, "check the producer of this stream"),
	)
	if err := w.bus.Ack(ctx, w.stage.Input, w.group, msg.ID); err != nil {
		return fmt.Errorf("ack poison message %s: %w", msg.ID, err)
	}
	w.notify(ctx, logger, notifications.EventPoisonMessage, notifications.Payload{
		"stage":      w.stage.Name,
		"stream":     w.stage.Input,
		"message_id": msg.ID,
		"error":      cause,
	})
	return nil
}

// skipCompleted acknowledges messages whose step is already recorded. When
// the hand-off marker is missing the downstream message is published first.
func (w *Worker) skipCompleted(ctx context.Context, logger *slog.Logger, env pipeline.Envelope, trackingID string, msg streams.Message) (bool, error) {
	done, err := w.store.IsFullyProcessed(ctx, trackingID)
	if err != nil {
		return false, err
	}
	if !done {
		if done, err = w.store.StepDone(ctx, trackingID, w.stage.Step); err != nil {
			return false, err
		}
	}
	if !done {
		return false, nil
	}

	published, err := w.store.StepDone(ctx, trackingID, w.stage.HandoffStep)
	if err != nil {
		return false, err
	}
	if !published {
		overrides, err := w.replayFields(ctx, env, trackingID, msg)
		if err != nil {
			return false, fmt.Errorf("rebuild hand-off: %w", err)
		}
		if _, err := w.bus.Publish(ctx, w.stage.Output, pipeline.Handoff(env, trackingID, overrides, w.now())); err != nil {
			return false, fmt.Errorf("re-publish hand-off: %w", err)
		}
		if err := w.store.MarkStep(ctx, trackingID, w.stage.HandoffStep); err != nil {
			return false, fmt.Errorf("mark hand-off: %w", err)
		}
		logger.Info("re-published lost hand-off",
			logging.String(logging.FieldStream, w.stage.Output),
			logging.String(logging.FieldEventType, "handoff_republished"),
		)
	}
	if err := w.bus.Ack(ctx, w.stage.Input, w.group, msg.ID); err != nil {
		return false, fmt.Errorf("ack completed message %s: %w", msg.ID, err)
	}
	logger.Info("step already complete; message acknowledged",
		logging.String("step", w.stage.Step),
		logging.String(logging.FieldEventType, "duplicate_skipped"),
	)
	return true, nil
}

func (w *Worker) replayFields(ctx context.Context, env pipeline.Envelope, trackingID string, msg streams.Message) (map[string]string, error) {
	overrides := map[string]string{}
	if replayer, ok := w.handler.(stage.Replayer); ok {
		result, err := replayer.Replay(ctx, stage.Job{
			TrackingID: trackingID,
			Filename:   env.Filename,
			MessageID:  msg.ID,
			Attempt:    1,
			Fields:     maps.Clone(env.Fields),
		})
		switch {
		case err == nil:
			overrides = w.downstreamFields(result)
		case !w.stage.Final:
			return nil, err
		}
	}
	// The final stage may have removed its inputs; the stored summary still
	// names the output.
	if w.stage.Final && overrides[pipeline.FieldOutputPath] == "" {
		summary, err := w.store.Summary(ctx, trackingID)
		if err != nil {
			return nil, err
		}
		if summary == nil || summary.OutputPath == "" {
			return nil, services.Wrap(services.ErrNotFound, w.stage.Name, "replay", "no output path recorded for "+trackingID, nil)
		}
		overrides[pipeline.FieldOutputPath] = summary.OutputPath
	}
	return overrides, nil
}

func (w *Worker) downstreamFields(result stage.Result) map[string]string {
	fields := maps.Clone(result.Fields)
	if fields == nil {
		fields = map[string]string{}
	}
	if w.stage.Final && fields[pipeline.FieldOutputPath] == "" {
		switch {
		case result.Summary != nil && result.Summary.OutputPath != "":
			fields[pipeline.FieldOutputPath] = result.Summary.OutputPath
		case result.ArtifactPath != "":
			fields[pipeline.FieldOutputPath] = result.ArtifactPath
		}
	}
	return fields
}

// commit records a successful body in order: steps, summary, file status,
// downstream publish, hand-off marker, acknowledgement.
func (w *Worker) commit(ctx context.Context, logger *slog.Logger, env pipeline.Envelope, trackingID string, msg streams.Message, result stage.Result) error {
	steps := append([]string{w.stage.Step}, result.Steps...)
	for _, step := range steps {
		if err := w.store.MarkStep(ctx, trackingID, step); err != nil {
			return fmt.Errorf("mark step %s: %w", step, err)
		}
	}
	if result.Summary != nil {
		summary := *result.Summary
		if summary.CompletedAt.IsZero() {
			summary.CompletedAt = w.now()
		}
		if err := w.store.MarkFullyProcessed(ctx, trackingID, summary); err != nil {
			return fmt.Errorf("mark fully processed: %w", err)
		}
	}
	if err := w.store.SetFileStatus(ctx, jobstate.FileStatus{
		Filename:   env.Filename,
		Status:     w.stage.DoneStatus,
		TrackingID: trackingID,
		UpdatedAt:  w.now(),
	}); err != nil {
		return fmt.Errorf("set file status: %w", err)
	}

	fields := w.downstreamFields(result)
	id, err := w.bus.Publish(ctx, w.stage.Output, pipeline.Handoff(env, trackingID, fields, w.now()))
	if err != nil {
		return fmt.Errorf("publish to %s: %w", w.stage.Output, err)
	}
	if err := w.store.MarkStep(ctx, trackingID, w.stage.HandoffStep); err != nil {
		return fmt.Errorf("mark hand-off: %w", err)
	}
	if err := w.bus.Ack(ctx, w.stage.Input, w.group, msg.ID); err != nil {
		return fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	logger.Debug("hand-off published",
		logging.String(logging.FieldStream, w.stage.Output),
		logging.String("downstream_id", id),
	)

	if w.stage.Final {
		payload := notifications.Payload{
			"filename":    env.Filename,
			"tracking_id": trackingID,
			"output_path": fields[pipeline.FieldOutputPath],
		}
		if result.Summary != nil {
			payload["title"] = result.Summary.Title
			payload["artist"] = result.Summary.Artist
		}
		w.notify(ctx, logger, notifications.EventJobCompleted, payload)
	}
	return nil
}

func (w *Worker) notify(ctx context.Context, logger *slog.Logger, event notifications.Event, payload notifications.Payload) {
	notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := w.notifier.Publish(notifyCtx, event, payload); err != nil {
		logger.Warn("notification not delivered",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldEventType, "notify_failed"),
		)
	}
}
