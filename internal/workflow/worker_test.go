package workflow_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stemflow/internal/config"
	"stemflow/internal/jobstate"
	"stemflow/internal/notifications"
	"stemflow/internal/pipeline"
	"stemflow/internal/queue"
	"stemflow/internal/services"
	"stemflow/internal/stage"
	"stemflow/internal/streams"
	"stemflow/internal/testsupport"
	"stemflow/internal/workflow"
)

type stubHandler struct {
	mu    sync.Mutex
	jobs  []stage.Job
	fn    func(context.Context, stage.Job) (stage.Result, error)
	ready stage.Health
}

func newStubHandler(fn func(context.Context, stage.Job) (stage.Result, error)) *stubHandler {
	return &stubHandler{fn: fn, ready: stage.Healthy("stub")}
}

func (s *stubHandler) Process(ctx context.Context, job stage.Job) (stage.Result, error) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	if s.fn == nil {
		return stage.Result{}, nil
	}
	return s.fn(ctx, job)
}

func (s *stubHandler) HealthCheck(context.Context) stage.Health { return s.ready }

func (s *stubHandler) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type replayingHandler struct {
	*stubHandler
	replays int
}

func (r *replayingHandler) Replay(context.Context, stage.Job) (stage.Result, error) {
	r.replays++
	return stage.Result{Fields: map[string]string{pipeline.FieldMetadataPath: "/meta/song.json"}}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
	last   map[notifications.Event]notifications.Payload
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	if n.last == nil {
		n.last = map[notifications.Event]notifications.Payload{}
	}
	n.last[event] = payload
	return nil
}

func (n *recordingNotifier) count(event notifications.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, e := range n.events {
		if e == event {
			total++
		}
	}
	return total
}

func (n *recordingNotifier) payload(event notifications.Event) notifications.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last[event]
}

type harness struct {
	cfg      *config.Config
	store    *queue.Store
	notifier *recordingNotifier
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	return &harness{
		cfg:      cfg,
		store:    testsupport.MustOpenStore(t, cfg),
		notifier: &recordingNotifier{},
	}
}

func (h *harness) worker(t *testing.T, name string, handler stage.Handler) *workflow.Worker {
	t.Helper()
	stg, err := pipeline.Lookup(name)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	w, err := workflow.NewWorker(stg, handler, workflow.Deps{
		Config:   h.cfg,
		Bus:      h.store,
		Store:    h.store,
		Notifier: h.notifier,
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

// start runs w until the test ends and returns a function that stops it and
// reports what Run returned.
func start(t *testing.T, w *workflow.Worker) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(10 * time.Second):
				t.Errorf("worker %s did not stop", w.Name())
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) publish(t *testing.T, stream string, fields map[string]string) string {
	t.Helper()
	id, err := h.store.Publish(context.Background(), stream, fields)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return id
}

// observe drains stream through a private group.
func (h *harness) observe(t *testing.T, stream string) []streams.Message {
	t.Helper()
	ctx := context.Background()
	if err := h.store.EnsureGroup(ctx, stream, "observer"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	msgs, err := h.store.ReadGroup(ctx, stream, "observer", "observer-1", 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	return msgs
}

func (h *harness) pending(t *testing.T, stream, group string) int {
	t.Helper()
	entries, err := h.store.Pending(context.Background(), stream, group)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	return len(entries)
}

func TestBackoffIsBounded(t *testing.T) {
	tests := []struct {
		failures int
		limit    time.Duration
		want     time.Duration
	}{
		{0, 30 * time.Second, 0},
		{-3, 30 * time.Second, 0},
		{1, 30 * time.Second, 2 * time.Second},
		{4, 30 * time.Second, 16 * time.Second},
		{5, 30 * time.Second, 30 * time.Second},
		{29, 30 * time.Second, 30 * time.Second},
		{1 << 20, 30 * time.Second, 30 * time.Second},
		{3, 0, 8 * time.Second},
		{10, 0, 30 * time.Second},
		{2, time.Second, time.Second},
	}
	for _, tt := range tests {
		if got := workflow.Backoff(tt.failures, tt.limit); got != tt.want {
			t.Errorf("Backoff(%d, %s) = %s, want %s", tt.failures, tt.limit, got, tt.want)
		}
	}
}

func TestNewWorkerRequiresDeps(t *testing.T) {
	stg, _ := pipeline.Lookup(pipeline.StageMetadata)
	if _, err := workflow.NewWorker(stg, newStubHandler(nil), workflow.Deps{}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestWorkerProcessesAndHandsOff(t *testing.T) {
	h := newHarness(t)
	handler := newStubHandler(func(_ context.Context, job stage.Job) (stage.Result, error) {
		if job.Attempt != 1 {
			t.Errorf("unexpected attempt %d", job.Attempt)
		}
		return stage.Result{
			Fields: map[string]string{pipeline.FieldTitle: "Song"},
			Steps:  []string{jobstate.StepCoverArt},
		}, nil
	})
	w := h.worker(t, pipeline.StageMetadata, handler)
	stop := start(t, w)

	h.publish(t, streams.Queued, map[string]string{
		pipeline.FieldFilename:   "song_20240101120000.mp3",
		pipeline.FieldTrackingID: "track-1",
		pipeline.FieldJobID:      "job-1",
	})

	var downstream []streams.Message
	eventually(t, "hand-off", func() bool {
		downstream = append(downstream, h.observe(t, streams.MetadataDone)...)
		return len(downstream) > 0
	})
	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if w.State() != workflow.StateStopped {
		t.Fatalf("expected STOPPED, got %s", w.State())
	}

	fields := downstream[0].Fields
	if fields[pipeline.FieldTrackingID] != "track-1" || fields[pipeline.FieldTitle] != "Song" {
		t.Fatalf("unexpected hand-off fields: %#v", fields)
	}
	if fields[pipeline.FieldJobID] != "job-1" {
		t.Fatalf("expected upstream fields to pass through, got %#v", fields)
	}
	testsupport.MustStepDone(t, h.store, "track-1", jobstate.StepMetadata)
	testsupport.MustStepDone(t, h.store, "track-1", jobstate.StepCoverArt)
	testsupport.MustStepDone(t, h.store, "track-1", jobstate.StepMetadata+":published")

	status, err := h.store.FileStatus(context.Background(), "song_20240101120000.mp3")
	if err != nil {
		t.Fatalf("FileStatus: %v", err)
	}
	if status.Status != jobstate.StatusMetadataDone {
		t.Fatalf("unexpected file status %q", status.Status)
	}
	if n := h.pending(t, streams.Queued, "metadata-group"); n != 0 {
		t.Fatalf("expected message acknowledged, %d pending", n)
	}
	if handler.calls() != 1 {
		t.Fatalf("expected one body call, got %d", handler.calls())
	}
}

func TestPipelineRunsEveryStage(t *testing.T) {
	h := newHarness(t)
	output := filepath.Join(h.cfg.Paths.OutputDir, "Artist", "Album", "Song.mp3")

	metadata := newStubHandler(func(context.Context, stage.Job) (stage.Result, error) {
		return stage.Result{Fields: map[string]string{pipeline.FieldTitle: "Song", pipeline.FieldArtist: "Artist"}}, nil
	})
	splitter := newStubHandler(func(_ context.Context, job stage.Job) (stage.Result, error) {
		if job.Field(pipeline.FieldTitle) != "Song" {
			t.Errorf("splitter did not receive metadata fields: %#v", job.Fields)
		}
		return stage.Result{Fields: map[string]string{pipeline.FieldStemsDir: "/stems/song"}}, nil
	})
	packager := newStubHandler(func(_ context.Context, job stage.Job) (stage.Result, error) {
		return stage.Result{
			ArtifactPath: output,
			Summary: &jobstate.Summary{
				Title:      job.Field(pipeline.FieldTitle),
				Artist:     job.Field(pipeline.FieldArtist),
				StemsUsed:  []string{"drums", "bass", "other"},
				OutputPath: output,
			},
		}, nil
	})

	mgr := workflow.NewManager(nil,
		h.worker(t, pipeline.StageMetadata, metadata),
		h.worker(t, pipeline.StageSplitter, splitter),
		h.worker(t, pipeline.StagePackager, packager),
	)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Stop() })

	h.publish(t, streams.Queued, map[string]string{pipeline.FieldFilename: "song_20240101120000.mp3"})

	// Without a tracking id the stem of the filename is the identity.
	const trackingID = "song_20240101120000"
	eventually(t, "fully processed", func() bool {
		done, err := h.store.IsFullyProcessed(context.Background(), trackingID)
		return err == nil && done
	})
	eventually(t, "completion notification", func() bool {
		return h.notifier.count(notifications.EventJobCompleted) == 1
	})

	status := mgr.Status(context.Background())
	if !status.Running || len(status.Workers) != 3 {
		t.Fatalf("unexpected status: %#v", status)
	}
	if err := mgr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	summary, err := h.store.Summary(context.Background(), trackingID)
	if err != nil || summary == nil {
		t.Fatalf("Summary: %v %v", summary, err)
	}
	if summary.Title != "Song" || summary.OutputPath != output {
		t.Fatalf("unexpected summary: %#v", summary)
	}
	final := h.observe(t, streams.Packaged)
	if len(final) != 1 || final[0].Fields[pipeline.FieldOutputPath] != output {
		t.Fatalf("unexpected completion events: %#v", final)
	}
	for _, step := range []string{jobstate.StepMetadata, jobstate.StepStems, jobstate.StepPackaged} {
		testsupport.MustStepDone(t, h.store, trackingID, step)
	}
	if payload := h.notifier.payload(notifications.EventJobCompleted); payload["output_path"] != output {
		t.Fatalf("unexpected completion payload: %#v", payload)
	}
}

func TestExhaustedMessageStaysPending(t *testing.T) {
	h := newHarness(t, testsupport.WithMaxRetries(3))
	handler := newStubHandler(func(context.Context, stage.Job) (stage.Result, error) {
		return stage.Result{}, services.Wrap(services.ErrTransient, "splitter", "separate", "disk full", nil)
	})
	w := h.worker(t, pipeline.StageSplitter, handler)
	stop := start(t, w)

	h.publish(t, streams.MetadataDone, map[string]string{
		pipeline.FieldFilename:   "bad_20240101120000.mp3",
		pipeline.FieldTrackingID: "bad",
	})

	eventually(t, "failure notification", func() bool {
		return h.notifier.count(notifications.EventStageFailed) == 1
	})
	eventually(t, "backoff", func() bool { return w.ConsecutiveFailures() >= 1 })
	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	ctx := context.Background()
	if handler.calls() != 3 {
		t.Fatalf("expected 3 body calls, got %d", handler.calls())
	}
	count, err := h.store.RetryCount(ctx, pipeline.StageSplitter, "bad_20240101120000.mp3")
	if err != nil || count != 3 {
		t.Fatalf("expected retry count 3, got %d (%v)", count, err)
	}
	if n := h.pending(t, streams.MetadataDone, "splitter-group"); n != 1 {
		t.Fatalf("expected the message to stay pending, got %d", n)
	}
	if n := h.notifier.count(notifications.EventStageFailed); n != 1 {
		t.Fatalf("expected exactly one failure notification, got %d", n)
	}
	rec, err := h.store.LastError(ctx, "bad")
	if err != nil || rec == nil {
		t.Fatalf("LastError: %v %v", rec, err)
	}
	if rec.Stage != pipeline.StageSplitter || rec.Attempt != 3 {
		t.Fatalf("unexpected error record: %#v", rec)
	}
	status, _ := h.store.FileStatus(ctx, "bad_20240101120000.mp3")
	if status.Status != jobstate.StatusError {
		t.Fatalf("expected error status, got %q", status.Status)
	}
	if len(h.observe(t, streams.SplitDone)) != 0 {
		t.Fatal("failed job must not be handed off")
	}
	if snap := w.Snapshot(ctx); snap.Failed != 1 || snap.LastError == "" {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
}

func TestPoisonMessageIsDiscarded(t *testing.T) {
	h := newHarness(t)
	handler := newStubHandler(nil)
	w := h.worker(t, pipeline.StageMetadata, handler)
	stop := start(t, w)

	h.publish(t, streams.Queued, map[string]string{pipeline.FieldTitle: "no filename"})

	eventually(t, "poison notification", func() bool {
		return h.notifier.count(notifications.EventPoisonMessage) == 1
	})
	eventually(t, "ack", func() bool { return h.pending(t, streams.Queued, "metadata-group") == 0 })
	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if handler.calls() != 0 {
		t.Fatalf("poison must not reach the body, got %d calls", handler.calls())
	}
	files, err := h.store.FilesByStatus(context.Background(), "")
	if err != nil {
		t.Fatalf("FilesByStatus: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("poison must not touch file records: %#v", files)
	}
	if h.notifier.count(notifications.EventStageFailed) != 0 {
		t.Fatal("poison must not count as a stage failure")
	}
	if snap := w.Snapshot(context.Background()); snap.Poisoned != 1 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
}

func TestPackagedStreamRequiresOutputPath(t *testing.T) {
	if _, err := pipeline.Decode(streams.Packaged, map[string]string{pipeline.FieldFilename: "a.mp3"}); !errors.Is(err, services.ErrPoison) {
		t.Fatalf("expected poison, got %v", err)
	}
}

func TestCompletedStepIsNotReprocessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, step := range []string{jobstate.StepMetadata, jobstate.StepMetadata + ":published"} {
		if err := h.store.MarkStep(ctx, "dup", step); err != nil {
			t.Fatalf("MarkStep: %v", err)
		}
	}
	handler := newStubHandler(nil)
	w := h.worker(t, pipeline.StageMetadata, handler)
	stop := start(t, w)

	h.publish(t, streams.Queued, map[string]string{
		pipeline.FieldFilename:   "dup_20240101120000.mp3",
		pipeline.FieldTrackingID: "dup",
	})
	// A second message processed in order proves the first was handled.
	h.publish(t, streams.Queued, map[string]string{
		pipeline.FieldFilename:   "next_20240101120000.mp3",
		pipeline.FieldTrackingID: "next",
	})
	eventually(t, "second message", func() bool { return handler.calls() == 1 })
	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if got := handler.jobs[0].TrackingID; got != "next" {
		t.Fatalf("completed job reached the body: %q", got)
	}
	if n := h.pending(t, streams.Queued, "metadata-group"); n != 0 {
		t.Fatalf("expected both messages acknowledged, %d pending", n)
	}
	downstream := h.observe(t, streams.MetadataDone)
	if len(downstream) != 1 || downstream[0].Fields[pipeline.FieldTrackingID] != "next" {
		t.Fatalf("duplicate must not publish again: %#v", downstream)
	}
}

func TestLostHandoffIsRepublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.MarkStep(ctx, "crashed", jobstate.StepMetadata); err != nil {
		t.Fatalf("MarkStep: %v", err)
	}
	handler := &replayingHandler{stubHandler: newStubHandler(nil)}
	w := h.worker(t, pipeline.StageMetadata, handler)
	stop := start(t, w)

	h.publish(t, streams.Queued, map[string]string{
		pipeline.FieldFilename:   "crashed_20240101120000.mp3",
		pipeline.FieldTrackingID: "crashed",
	})

	var downstream []streams.Message
	eventually(t, "re-published hand-off", func() bool {
		downstream = append(downstream, h.observe(t, streams.MetadataDone)...)
		return len(downstream) > 0
	})
	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if handler.calls() != 0 {
		t.Fatalf("expected no body call, got %d", handler.calls())
	}
	if handler.replays != 1 {
		t.Fatalf("expected one replay, got %d", handler.replays)
	}
	if got := downstream[0].Fields[pipeline.FieldMetadataPath]; got != "/meta/song.json" {
		t.Fatalf("unexpected replayed fields: %#v", downstream[0].Fields)
	}
	testsupport.MustStepDone(t, h.store, "crashed", jobstate.StepMetadata+":published")
	if n := h.pending(t, streams.Queued, "metadata-group"); n != 0 {
		t.Fatalf("expected message acknowledged, %d pending", n)
	}
}

func TestCrashedConsumerMessageIsRedelivered(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workflow.ReclaimMinIdleSeconds = 1
	h.cfg.Workflow.ReclaimIntervalSeconds = 1
	ctx := context.Background()

	if err := h.store.EnsureGroup(ctx, streams.Queued, "metadata-group"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	h.publish(t, streams.Queued, map[string]string{pipeline.FieldFilename: "orphan_20240101120000.mp3"})
	// A consumer that reads and then dies before acknowledging.
	msgs, err := h.store.ReadGroup(ctx, streams.Queued, "metadata-group", "metadata-dead-1", 1, time.Second)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ReadGroup: %v %d", err, len(msgs))
	}

	handler := newStubHandler(nil)
	w := h.worker(t, pipeline.StageMetadata, handler)
	stop := start(t, w)

	eventually(t, "redelivery", func() bool { return handler.calls() == 1 })
	eventually(t, "ack", func() bool { return h.pending(t, streams.Queued, "metadata-group") == 0 })
	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	testsupport.MustStepDone(t, h.store, "orphan_20240101120000", jobstate.StepMetadata)
}

func TestAcknowledgedEntriesArePruned(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workflow.StreamRetentionSeconds = 1
	handler := newStubHandler(nil)
	w := h.worker(t, pipeline.StageMetadata, handler)
	stop := start(t, w)

	h.publish(t, streams.Queued, map[string]string{pipeline.FieldFilename: "old_20240101120000.mp3"})
	eventually(t, "ack", func() bool {
		return handler.calls() == 1 && h.pending(t, streams.Queued, "metadata-group") == 0
	})
	// Only the hand-off on metadata_done, which has no group yet, survives.
	eventually(t, "prune", func() bool {
		health, err := h.store.CheckHealth(context.Background())
		return err == nil && health.StreamEntries == 1
	})
	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestShutdownFinishesMessageInHand(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := newStubHandler(func(ctx context.Context, _ stage.Job) (stage.Result, error) {
		close(entered)
		<-release
		if ctx.Err() != nil {
			t.Errorf("body context cancelled by shutdown: %v", ctx.Err())
		}
		return stage.Result{}, nil
	})
	w := h.worker(t, pipeline.StageMetadata, handler)
	stop := start(t, w)

	h.publish(t, streams.Queued, map[string]string{pipeline.FieldFilename: "slow_20240101120000.mp3"})
	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("body never called")
	}
	if w.State() != workflow.StateProcessing {
		t.Fatalf("expected PROCESSING, got %s", w.State())
	}

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()
	time.Sleep(100 * time.Millisecond)
	close(release)

	if err := <-stopped; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if w.State() != workflow.StateStopped {
		t.Fatalf("expected STOPPED, got %s", w.State())
	}
	testsupport.MustStepDone(t, h.store, "slow_20240101120000", jobstate.StepMetadata)
	if n := h.pending(t, streams.Queued, "metadata-group"); n != 0 {
		t.Fatalf("expected message acknowledged, %d pending", n)
	}
}

func TestStartupFailureStopsWorker(t *testing.T) {
	h := newHarness(t)
	w := h.worker(t, pipeline.StageMetadata, newStubHandler(nil))
	if err := h.store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := w.Run(context.Background())
	if err == nil {
		t.Fatal("expected startup error on a closed store")
	}
	if w.State() != workflow.StateStopped {
		t.Fatalf("expected STOPPED, got %s", w.State())
	}
}

func TestManagerLogsWorkerSummary(t *testing.T) {
	h := newHarness(t)
	handler := newStubHandler(nil)
	handler.ready = stage.Health{Name: "stub", Detail: "separator missing"}
	var buf bytes.Buffer
	mgr := workflow.NewManager(slog.New(slog.NewJSONHandler(&buf, nil)), h.worker(t, pipeline.StageMetadata, handler))
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Stop() })

	h.publish(t, streams.Queued, map[string]string{pipeline.FieldFilename: "song_20240101120000.mp3"})
	eventually(t, "ack", func() bool {
		return handler.calls() == 1 && h.pending(t, streams.Queued, "metadata-group") == 0
	})
	if err := mgr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	mgr.LogStatus(context.Background())

	out := buf.String()
	for _, want := range []string{`"msg":"worker summary"`, `"stage":"metadata"`, `"processed":1`, `"ready":false`, `"health":"separator missing"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in summary log:\n%s", want, out)
		}
	}
}

func TestManagerRequiresRunners(t *testing.T) {
	mgr := workflow.NewManager(nil)
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("expected error without runners")
	}
	if err := mgr.Stop(); err != nil {
		t.Fatalf("Stop on idle manager: %v", err)
	}
}
