package jobstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"stemflow/internal/jobstate"
)

func newRedisStore(t *testing.T) (*jobstate.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return jobstate.NewRedisStore(client), srv
}

func TestRedisStoreStepsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	store, srv := newRedisStore(t)

	done, err := store.StepDone(ctx, "job-1", jobstate.StepMetadata)
	if err != nil || done {
		t.Fatalf("expected step not done, got %v err=%v", done, err)
	}
	for range 2 {
		if err := store.MarkStep(ctx, "job-1", jobstate.StepMetadata); err != nil {
			t.Fatalf("MarkStep: %v", err)
		}
	}
	done, err = store.StepDone(ctx, "job-1", jobstate.StepMetadata)
	if err != nil || !done {
		t.Fatalf("expected step done, got %v err=%v", done, err)
	}
	if got := srv.HGet("processing:job-1", "metadata"); got != "1" {
		t.Fatalf("unexpected raw flag %q", got)
	}
	steps, err := store.Steps(ctx, "job-1")
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 1 || !steps[jobstate.StepMetadata] {
		t.Fatalf("unexpected steps: %#v", steps)
	}
}

func TestRedisStoreSummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, srv := newRedisStore(t)

	summary, err := store.Summary(ctx, "job-2")
	if err != nil || summary != nil {
		t.Fatalf("expected nil summary, got %#v err=%v", summary, err)
	}
	completed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	err = store.MarkFullyProcessed(ctx, "job-2", jobstate.Summary{
		Title:       "Song",
		Artist:      "Band",
		Album:       "Record",
		Duration:    181.5,
		Bitrate:     320000,
		StemsUsed:   []string{"drums", "bass"},
		OutputPath:  "/out/Band/Record/Song.mp3",
		CompletedAt: completed,
	})
	if err != nil {
		t.Fatalf("MarkFullyProcessed: %v", err)
	}
	processed, err := store.IsFullyProcessed(ctx, "job-2")
	if err != nil || !processed {
		t.Fatalf("expected fully processed, got %v err=%v", processed, err)
	}
	if got := srv.HGet("processed:job-2", "stems_used"); got != "drums,bass" {
		t.Fatalf("unexpected stems_used %q", got)
	}
	summary, err = store.Summary(ctx, "job-2")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Title != "Song" || summary.Bitrate != 320000 || summary.Duration != 181.5 {
		t.Fatalf("unexpected summary: %#v", summary)
	}
	if len(summary.StemsUsed) != 2 || !summary.CompletedAt.Equal(completed) {
		t.Fatalf("unexpected summary details: %#v", summary)
	}
}

func TestRedisStoreRetryCounters(t *testing.T) {
	ctx := context.Background()
	store, srv := newRedisStore(t)

	for want := 1; want <= 3; want++ {
		got, err := store.IncrementRetry(ctx, "splitter", "song.mp3")
		if err != nil {
			t.Fatalf("IncrementRetry: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
	if !srv.Exists("splitter_retries:song.mp3") {
		t.Fatal("expected retry key in original layout")
	}
	if err := store.ResetRetry(ctx, "splitter", "song.mp3"); err != nil {
		t.Fatalf("ResetRetry: %v", err)
	}
	count, err := store.RetryCount(ctx, "splitter", "song.mp3")
	if err != nil || count != 0 {
		t.Fatalf("expected zero count, got %d err=%v", count, err)
	}
}

func TestRedisStoreErrorsAndFileStatus(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	status, err := store.FileStatus(ctx, "missing.mp3")
	if err != nil || status.Status != jobstate.StatusUnknown {
		t.Fatalf("expected unknown status, got %#v err=%v", status, err)
	}
	if err := store.SetFileStatus(ctx, jobstate.FileStatus{Filename: "a.mp3", Status: jobstate.StatusQueued, TrackingID: "job-a"}); err != nil {
		t.Fatalf("SetFileStatus: %v", err)
	}
	if err := store.SetFileStatus(ctx, jobstate.FileStatus{Filename: "b.mp3", Status: jobstate.StatusPackaged}); err != nil {
		t.Fatalf("SetFileStatus: %v", err)
	}
	err = store.RecordError(ctx, jobstate.ErrorRecord{
		TrackingID: "job-a",
		Filename:   "a.mp3",
		Stage:      "metadata",
		Attempt:    2,
		Kind:       "transient",
		Message:    "ffprobe failed",
	})
	if err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	last, err := store.LastError(ctx, "job-a")
	if err != nil || last == nil {
		t.Fatalf("expected last error, got %#v err=%v", last, err)
	}
	if last.Attempt != 2 || last.Stage != "metadata" || last.Message != "ffprobe failed" {
		t.Fatalf("unexpected last error: %#v", last)
	}

	errored, err := store.FilesByStatus(ctx, jobstate.StatusError)
	if err != nil {
		t.Fatalf("FilesByStatus: %v", err)
	}
	if len(errored) != 1 || errored[0].Filename != "a.mp3" || errored[0].TrackingID != "job-a" {
		t.Fatalf("unexpected errored files: %#v", errored)
	}
	all, err := store.FilesByStatus(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected two files, got %#v err=%v", all, err)
	}

	if _, err := store.IncrementRetry(ctx, "metadata", "a.mp3"); err != nil {
		t.Fatalf("IncrementRetry: %v", err)
	}
	if err := store.ClearFileError(ctx, "a.mp3", jobstate.StatusQueued, []string{"metadata", "splitter"}); err != nil {
		t.Fatalf("ClearFileError: %v", err)
	}
	status, err = store.FileStatus(ctx, "a.mp3")
	if err != nil || status.Status != jobstate.StatusQueued || status.Error != "" {
		t.Fatalf("expected cleared status, got %#v err=%v", status, err)
	}
	count, _ := store.RetryCount(ctx, "metadata", "a.mp3")
	if count != 0 {
		t.Fatalf("expected retry counter reset, got %d", count)
	}
}
