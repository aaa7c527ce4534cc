package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stemflow/internal/logging"
	"stemflow/internal/streams"
)

func TestWatcherQueuesExistingAndNewFiles(t *testing.T) {
	cfg, store, ing := newTestIngester(t)
	cfg.Ingest.ScanIntervalSeconds = 1
	writeInput(t, filepath.Join(cfg.Paths.InputDir, "before.mp3"), "before")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(ing, logging.NewNop())
	if w.Name() != "ingest" {
		t.Fatalf("Name = %q", w.Name())
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if err := store.EnsureGroup(context.Background(), streams.Queued, "observer"); err != nil {
		t.Fatal(err)
	}
	var got []streams.Message
	deadline := time.Now().Add(10 * time.Second)
	dropped := false
	for len(got) < 2 && time.Now().Before(deadline) {
		msgs, err := store.ReadGroup(context.Background(), streams.Queued, "observer", "test", 10, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("ReadGroup: %v", err)
		}
		got = append(got, msgs...)
		if len(got) >= 1 && !dropped {
			writeInput(t, filepath.Join(cfg.Paths.InputDir, "later", "after.mp3"), "after")
			dropped = true
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected two queued files, got %d", len(got))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestScanCountsQueuedFiles(t *testing.T) {
	cfg, _, ing := newTestIngester(t)
	writeInput(t, filepath.Join(cfg.Paths.InputDir, "one.mp3"), "1")
	writeInput(t, filepath.Join(cfg.Paths.InputDir, "sub", "two.mp3"), "2")
	writeInput(t, filepath.Join(cfg.Paths.InputDir, "sub", "cover.jpg"), "3")

	w := NewWatcher(ing, logging.NewNop())
	if n := w.Scan(context.Background()); n != 2 {
		t.Fatalf("Scan queued %d files, want 2", n)
	}
	if n := w.Scan(context.Background()); n != 0 {
		t.Fatalf("second Scan queued %d files, want 0", n)
	}
}
