package testsupport

import (
	"context"
	"testing"

	"stemflow/internal/config"
	"stemflow/internal/jobstate"
	"stemflow/internal/queue"
)

// MustOpenStore opens the sqlite store configured by cfg and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg.Bus.SQLitePath, nil)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustStepDone fails the test unless step is recorded for trackingID.
func MustStepDone(t testing.TB, store jobstate.Store, trackingID, step string) {
	t.Helper()

	done, err := store.StepDone(context.Background(), trackingID, step)
	if err != nil {
		t.Fatalf("StepDone(%s, %s): %v", trackingID, step, err)
	}
	if !done {
		t.Fatalf("expected step %q done for %s", step, trackingID)
	}
}
