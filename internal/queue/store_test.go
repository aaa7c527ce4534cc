package queue_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"stemflow/internal/jobstate"
	"stemflow/internal/queue"
	"stemflow/internal/services"
	"stemflow/internal/streams"
	"stemflow/internal/testsupport"
)

func TestOpenCreatesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	health, err := store.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable || !health.IntegrityCheck {
		t.Fatalf("unexpected health: %#v", health)
	}
	if len(health.MissingTables) != 0 {
		t.Fatalf("missing tables: %v", health.MissingTables)
	}
	if health.SchemaVersion != 1 {
		t.Fatalf("unexpected schema version %d", health.SchemaVersion)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := queue.Open("", nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestOpenRejectsOtherSchemaVersion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := queue.Open(cfg.Bus.SQLitePath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store.Close()

	db, err := sql.Open("sqlite", cfg.Bus.SQLitePath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	db.Close()

	if _, err := queue.Open(cfg.Bus.SQLitePath, nil); !errors.Is(err, queue.ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestPublishReadAck(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))

	if err := store.EnsureGroup(ctx, streams.Queued, "metadata-group"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if err := store.EnsureGroup(ctx, streams.Queued, "metadata-group"); err != nil {
		t.Fatalf("EnsureGroup must be idempotent: %v", err)
	}

	first, err := store.Publish(ctx, streams.Queued, map[string]string{"filename": "a.mp3", "tracking_id": "a"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	second, err := store.Publish(ctx, streams.Queued, map[string]string{"filename": "b.mp3", "tracking_id": "b"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs, err := store.ReadGroup(ctx, streams.Queued, "metadata-group", "worker-1", 1, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != first || msgs[0].Fields["filename"] != "a.mp3" {
		t.Fatalf("expected first entry in append order, got %#v", msgs)
	}
	msgs, err = store.ReadGroup(ctx, streams.Queued, "metadata-group", "worker-2", 5, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != second {
		t.Fatalf("expected second entry only, got %#v", msgs)
	}

	pending, err := store.Pending(ctx, streams.Queued, "metadata-group")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 || pending[0].Consumer != "worker-1" || pending[1].Consumer != "worker-2" {
		t.Fatalf("unexpected pending entries: %#v", pending)
	}

	if err := store.Ack(ctx, streams.Queued, "metadata-group", first); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := store.Ack(ctx, streams.Queued, "metadata-group", first); err != nil {
		t.Fatalf("repeated Ack must be a no-op: %v", err)
	}
	for _, id := range []string{"", "not-an-id", "1700000000000-x"} {
		if err := store.Ack(ctx, streams.Queued, "metadata-group", id); err != nil {
			t.Fatalf("Ack(%q) must ignore a malformed id: %v", id, err)
		}
	}
	pending, _ = store.Pending(ctx, streams.Queued, "metadata-group")
	if len(pending) != 1 || pending[0].ID != second {
		t.Fatalf("expected only second entry pending, got %#v", pending)
	}
}

func TestGroupsReadIndependently(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))

	if _, err := store.Publish(ctx, streams.Packaged, map[string]string{"filename": "a.mp3"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for _, group := range []string{"audit", "notify"} {
		if err := store.EnsureGroup(ctx, streams.Packaged, group); err != nil {
			t.Fatalf("EnsureGroup: %v", err)
		}
		msgs, err := store.ReadGroup(ctx, streams.Packaged, group, "c", 1, 0)
		if err != nil {
			t.Fatalf("ReadGroup: %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("group %s expected the existing entry, got %#v", group, msgs)
		}
	}
}

func TestReadGroupBlocksUntilPublish(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	if err := store.EnsureGroup(ctx, streams.SplitDone, "packager-group"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	start := time.Now()
	msgs, err := store.ReadGroup(ctx, streams.SplitDone, "packager-group", "c", 1, 150*time.Millisecond)
	if err != nil || msgs != nil {
		t.Fatalf("expected empty read, got %#v err=%v", msgs, err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("expected ReadGroup to wait for the block window")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = store.Publish(context.Background(), streams.SplitDone, map[string]string{"filename": "late.mp3"})
	}()
	msgs, err = store.ReadGroup(ctx, streams.SplitDone, "packager-group", "c", 1, 2*time.Second)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Fields["filename"] != "late.mp3" {
		t.Fatalf("expected late entry, got %#v", msgs)
	}
}

func TestReadGroupWithoutGroupFails(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	_, err := store.ReadGroup(context.Background(), streams.Queued, "missing", "c", 1, 0)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error for missing group, got %v", err)
	}
}

func TestConcurrentConsumersNeverShareEntries(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	if err := store.EnsureGroup(ctx, streams.Queued, "metadata-group"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	const total = 20
	for i := range total {
		if _, err := store.Publish(ctx, streams.Queued, map[string]string{"filename": string(rune('a'+i)) + ".mp3"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for _, consumer := range []string{"w1", "w2", "w3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := store.ReadGroup(ctx, streams.Queued, "metadata-group", consumer, 1, 0)
				if err != nil {
					t.Errorf("ReadGroup: %v", err)
					return
				}
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				if prev, ok := seen[msgs[0].ID]; ok {
					t.Errorf("entry %s delivered to %s and %s", msgs[0].ID, prev, consumer)
				}
				seen[msgs[0].ID] = consumer
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != total {
		t.Fatalf("expected %d deliveries, got %d", total, len(seen))
	}
}

func TestReclaimStaleTransfersOwnership(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	if err := store.EnsureGroup(ctx, streams.Queued, "g"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	id, _ := store.Publish(ctx, streams.Queued, map[string]string{"filename": "crash.mp3"})
	if _, err := store.ReadGroup(ctx, streams.Queued, "g", "crashed", 1, 0); err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}

	msgs, err := store.ReclaimStale(ctx, streams.Queued, "g", "rescuer", time.Hour, 10)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("fresh entries must not be reclaimed, got %#v err=%v", msgs, err)
	}
	msgs, err = store.ReclaimStale(ctx, streams.Queued, "g", "rescuer", 0, 10)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id || msgs[0].Fields["filename"] != "crash.mp3" {
		t.Fatalf("unexpected reclaimed entries: %#v", msgs)
	}
	pending, _ := store.Pending(ctx, streams.Queued, "g")
	if len(pending) != 1 || pending[0].Consumer != "rescuer" || pending[0].Deliveries != 2 {
		t.Fatalf("unexpected pending after reclaim: %#v", pending)
	}
}

func TestPruneAcknowledgedKeepsPending(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	if err := store.EnsureGroup(ctx, streams.Queued, "g"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	acked, _ := store.Publish(ctx, streams.Queued, map[string]string{"filename": "a.mp3"})
	if _, err := store.Publish(ctx, streams.Queued, map[string]string{"filename": "b.mp3"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := store.ReadGroup(ctx, streams.Queued, "g", "c", 2, 0); err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if err := store.Ack(ctx, streams.Queued, "g", acked); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := store.EnsureGroup(ctx, streams.MetadataDone, "g"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	other, _ := store.Publish(ctx, streams.MetadataDone, map[string]string{"filename": "c.mp3"})
	if _, err := store.ReadGroup(ctx, streams.MetadataDone, "g", "c", 1, 0); err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if err := store.Ack(ctx, streams.MetadataDone, "g", other); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	removed, err := store.PruneAcknowledged(ctx, streams.Queued, -time.Minute)
	if err != nil {
		t.Fatalf("PruneAcknowledged: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one entry pruned, got %d", removed)
	}
	pending, _ := store.Pending(ctx, streams.Queued, "g")
	if len(pending) != 1 {
		t.Fatalf("pending entry must survive pruning, got %#v", pending)
	}
	health, err := store.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if health.StreamEntries != 2 {
		t.Fatalf("pruning %s must leave other streams alone, got %d entries", streams.Queued, health.StreamEntries)
	}
}

func TestJobStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)

	store, err := queue.Open(cfg.Bus.SQLitePath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.MarkStep(ctx, "job-1", jobstate.StepMetadata); err != nil {
		t.Fatalf("MarkStep: %v", err)
	}
	if err := store.MarkStep(ctx, "job-1", jobstate.StepMetadata); err != nil {
		t.Fatalf("re-marking must be a no-op: %v", err)
	}
	if err := store.MarkFullyProcessed(ctx, "job-1", jobstate.Summary{Title: "Song", StemsUsed: []string{"drums"}}); err != nil {
		t.Fatalf("MarkFullyProcessed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := testsupport.MustOpenStore(t, cfg)
	testsupport.MustStepDone(t, reopened, "job-1", jobstate.StepMetadata)
	done, err := reopened.StepDone(ctx, "job-1", jobstate.StepStems)
	if err != nil || done {
		t.Fatalf("unexpected stems step: %v err=%v", done, err)
	}
	summary, err := reopened.Summary(ctx, "job-1")
	if err != nil || summary == nil || summary.Title != "Song" || summary.StemsUsed[0] != "drums" {
		t.Fatalf("unexpected summary %#v err=%v", summary, err)
	}
	if err := reopened.MarkFullyProcessed(ctx, "job-1", jobstate.Summary{Title: "Renamed"}); err != nil {
		t.Fatalf("MarkFullyProcessed: %v", err)
	}
	summary, _ = reopened.Summary(ctx, "job-1")
	if summary.Title != "Renamed" {
		t.Fatalf("expected summary overwrite, got %#v", summary)
	}
}

func TestRetryCountersAndErrors(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))

	for want := 1; want <= 3; want++ {
		got, err := store.IncrementRetry(ctx, "metadata", "a.mp3")
		if err != nil || got != want {
			t.Fatalf("IncrementRetry: got %d want %d err=%v", got, want, err)
		}
	}
	if n, _ := store.RetryCount(ctx, "splitter", "a.mp3"); n != 0 {
		t.Fatalf("counters must be per stage, got %d", n)
	}

	err := store.RecordError(ctx, jobstate.ErrorRecord{
		TrackingID: "job-a",
		Filename:   "a.mp3",
		Stage:      "metadata",
		Attempt:    3,
		Kind:       "transient",
		Message:    "probe failed",
		Detail:     "exit status 1",
	})
	if err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	last, err := store.LastError(ctx, "job-a")
	if err != nil || last == nil || last.Attempt != 3 || last.Detail != "exit status 1" {
		t.Fatalf("unexpected last error %#v err=%v", last, err)
	}
	status, err := store.FileStatus(ctx, "a.mp3")
	if err != nil || status.Status != jobstate.StatusError || status.TrackingID != "job-a" || status.Error == "" {
		t.Fatalf("unexpected file status %#v err=%v", status, err)
	}

	if err := store.ClearFileError(ctx, "a.mp3", jobstate.StatusQueued, []string{"metadata"}); err != nil {
		t.Fatalf("ClearFileError: %v", err)
	}
	status, _ = store.FileStatus(ctx, "a.mp3")
	if status.Status != jobstate.StatusQueued || status.Error != "" || status.TrackingID != "job-a" {
		t.Fatalf("unexpected cleared status %#v", status)
	}
	if n, _ := store.RetryCount(ctx, "metadata", "a.mp3"); n != 0 {
		t.Fatalf("expected counter reset, got %d", n)
	}
}

func TestFilesByStatusAndStats(t *testing.T) {
	ctx := context.Background()
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))

	unknown, err := store.FileStatus(ctx, "nope.mp3")
	if err != nil || unknown.Status != jobstate.StatusUnknown {
		t.Fatalf("expected unknown status, got %#v err=%v", unknown, err)
	}
	for name, status := range map[string]string{
		"b.mp3": jobstate.StatusQueued,
		"a.mp3": jobstate.StatusQueued,
		"c.mp3": jobstate.StatusPackaged,
	} {
		if err := store.SetFileStatus(ctx, jobstate.FileStatus{Filename: name, Status: status}); err != nil {
			t.Fatalf("SetFileStatus: %v", err)
		}
	}
	queued, err := store.FilesByStatus(ctx, jobstate.StatusQueued)
	if err != nil {
		t.Fatalf("FilesByStatus: %v", err)
	}
	if len(queued) != 2 || queued[0].Filename != "a.mp3" {
		t.Fatalf("unexpected queued files %#v", queued)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[jobstate.StatusQueued] != 2 || stats[jobstate.StatusPackaged] != 1 {
		t.Fatalf("unexpected stats %#v", stats)
	}
}
