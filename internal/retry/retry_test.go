package retry_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"stemflow/internal/jobstate"
	"stemflow/internal/notifications"
	"stemflow/internal/retry"
	"stemflow/internal/services"
	"stemflow/internal/testsupport"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
	last   notifications.Payload
	err    error
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.last = payload
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newOrchestrator(t *testing.T) (*retry.Orchestrator, jobstate.Store, *recordingNotifier) {
	t.Helper()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	notifier := &recordingNotifier{}
	return retry.New(store, notifier, nil), store, notifier
}

func request() retry.Request {
	return retry.Request{
		Stage:       "metadata",
		Filename:    "song_20240101120000.mp3",
		TrackingID:  "job-1",
		MaxAttempts: 3,
		Delay:       5 * time.Millisecond,
	}
}

func TestRunSucceedsAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	o, store, notifier := newOrchestrator(t)

	calls := 0
	got, err := retry.Run(ctx, o, request(), func(_ context.Context, attempt int) (string, error) {
		calls++
		if attempt == 1 {
			return "", services.Wrap(services.ErrTransient, "metadata", "probe", "ffprobe busy", nil)
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Run: got %q err=%v", got, err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	count, _ := store.RetryCount(ctx, "metadata", "song_20240101120000.mp3")
	if count != 0 {
		t.Fatalf("expected counter reset on success, got %d", count)
	}
	last, _ := store.LastError(ctx, "job-1")
	if last == nil || last.Attempt != 1 || last.Kind != "transient" {
		t.Fatalf("expected the first failure recorded, got %#v", last)
	}
	if notifier.count() != 0 {
		t.Fatal("success must not notify")
	}
}

func TestRunExhaustsAndNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	o, store, notifier := newOrchestrator(t)
	cause := errors.New("separator crashed")

	start := time.Now()
	calls := 0
	_, err := retry.Run(ctx, o, request(), func(context.Context, int) (struct{}, error) {
		calls++
		return struct{}{}, cause
	})
	if !errors.Is(err, services.ErrExhausted) || !errors.Is(err, cause) {
		t.Fatalf("expected exhausted error wrapping the cause, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("expected two delays between attempts, took %s", elapsed)
	}
	count, _ := store.RetryCount(ctx, "metadata", "song_20240101120000.mp3")
	if count != 3 {
		t.Fatalf("expected retry counter 3, got %d", count)
	}
	if notifier.count() != 1 || notifier.events[0] != notifications.EventStageFailed {
		t.Fatalf("expected one failure notification, got %v", notifier.events)
	}
	if notifier.last["attempts"] != 3 {
		t.Fatalf("unexpected payload %#v", notifier.last)
	}
	status, _ := store.FileStatus(ctx, "song_20240101120000.mp3")
	if status.Status != jobstate.StatusError || !strings.Contains(status.Error, "separator crashed") {
		t.Fatalf("unexpected file status %#v", status)
	}
}

func TestRunStopsOnPoison(t *testing.T) {
	o, _, notifier := newOrchestrator(t)
	calls := 0
	_, err := retry.Run(context.Background(), o, request(), func(context.Context, int) (int, error) {
		calls++
		return 0, services.Wrap(services.ErrPoison, "metadata", "decode", "bad tags", nil)
	})
	if !errors.Is(err, services.ErrPoison) || errors.Is(err, services.ErrExhausted) {
		t.Fatalf("expected plain poison error, got %v", err)
	}
	if calls != 1 || notifier.count() != 0 {
		t.Fatalf("poison must stop immediately without notifying, calls=%d notes=%d", calls, notifier.count())
	}
}

func TestRunSkipsRetriesForConfigurationErrors(t *testing.T) {
	o, _, notifier := newOrchestrator(t)
	calls := 0
	_, err := retry.Run(context.Background(), o, request(), func(context.Context, int) (int, error) {
		calls++
		return 0, services.Wrap(services.ErrConfiguration, "splitter", "run", "command template invalid", nil)
	})
	if !errors.Is(err, services.ErrExhausted) || calls != 1 || notifier.count() != 1 {
		t.Fatalf("unexpected outcome err=%v calls=%d notes=%d", err, calls, notifier.count())
	}
}

func TestRunRecoversPanics(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newOrchestrator(t)
	req := request()
	req.MaxAttempts = 1
	_, err := retry.Run(ctx, o, req, func(context.Context, int) (int, error) {
		panic("index out of range")
	})
	if !errors.Is(err, services.ErrExhausted) || !strings.Contains(err.Error(), "index out of range") {
		t.Fatalf("expected exhausted panic error, got %v", err)
	}
	last, _ := store.LastError(ctx, "job-1")
	if last == nil || !strings.Contains(last.Detail, "goroutine") {
		t.Fatalf("expected stack trace in detail, got %#v", last)
	}
}

func TestRunToleratesNotifierFailure(t *testing.T) {
	o, _, notifier := newOrchestrator(t)
	notifier.err = errors.New("smtp down")
	req := request()
	req.MaxAttempts = 1
	_, err := retry.Run(context.Background(), o, req, func(context.Context, int) (int, error) {
		return 0, errors.New("boom")
	})
	if !errors.Is(err, services.ErrExhausted) || strings.Contains(err.Error(), "smtp") {
		t.Fatalf("notifier errors must not escalate, got %v", err)
	}
}
