package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"stemflow/internal/backend"
	"stemflow/internal/config"
	"stemflow/internal/lock"
	"stemflow/internal/logging"
	"stemflow/internal/notifications"
	"stemflow/internal/pipeline"
	"stemflow/internal/preflight"
	"stemflow/internal/queue"
	"stemflow/internal/streams"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check directories, external binaries and the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var bus streams.Bus
			var backendResult *preflight.Result
			b, err := backend.Open(cmd.Context(), cfg, logging.NewNop())
			if err != nil {
				backendResult = &preflight.Result{Name: "Backend (" + cfg.Bus.Backend + ")", Detail: err.Error()}
			} else {
				defer b.Close()
				bus = b.Bus
			}

			results := preflight.RunAll(cmd.Context(), cfg, bus)
			if backendResult != nil {
				results = append(results, *backendResult)
			}
			if b != nil {
				if store, ok := b.State.(*queue.Store); ok {
					results = append(results, databaseResults(cmd.Context(), store)...)
				}
			}
			results = append(results, stageResults(cmd.Context(), cfg)...)
			channels := notifications.Channels(notifications.NewService(cfg, logging.NewNop()))
			results = append(results, preflight.Result{
				Name:     "Notifications",
				Passed:   len(channels) > 0,
				Optional: true,
				Detail:   channelDetail(channels),
			})

			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{r.Name, checkLabel(r), r.Detail})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Check", "Status", "Detail"}, rows, nil))

			if failed := preflight.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d required check(s) failed", len(failed))
			}
			return nil
		},
	}
}

func checkLabel(r preflight.Result) string {
	switch {
	case r.Passed:
		return "ok"
	case r.Optional:
		return "warn"
	default:
		return "FAIL"
	}
}

func channelDetail(channels []string) string {
	if len(channels) == 0 {
		return "no channels configured"
	}
	return fmt.Sprint(channels)
}

// databaseResults reports the sqlite schema, integrity and backlog.
func databaseResults(ctx context.Context, store *queue.Store) []preflight.Result {
	db := preflight.Result{Name: "Database"}
	health, err := store.CheckHealth(ctx)
	switch {
	case err != nil:
		db.Detail = err.Error()
	case len(health.MissingTables) > 0:
		db.Detail = "missing tables: " + strings.Join(health.MissingTables, ", ")
	case !health.IntegrityCheck:
		db.Detail = "integrity check failed"
	default:
		db.Passed = true
		db.Detail = fmt.Sprintf("schema v%d, %d stream entries, %d pending", health.SchemaVersion, health.StreamEntries, health.PendingEntries)
	}

	jobs := preflight.Result{Name: "Jobs", Optional: true}
	stats, err := store.Stats(ctx)
	if err != nil {
		jobs.Detail = err.Error()
		return []preflight.Result{db, jobs}
	}
	jobs.Passed = true
	jobs.Detail = "no jobs recorded"
	if len(stats) > 0 {
		parts := make([]string, 0, len(stats))
		for _, status := range slices.Sorted(maps.Keys(stats)) {
			parts = append(parts, fmt.Sprintf("%s=%d", status, stats[status]))
		}
		jobs.Detail = strings.Join(parts, " ")
	}
	return []preflight.Result{db, jobs}
}

// stageResults builds each stage body and reports its own readiness check.
func stageResults(ctx context.Context, cfg *config.Config) []preflight.Result {
	r := &runtime{
		cfg:    cfg,
		locks:  lock.NewManager(cfg.LockPollInterval(), cfg.LockTimeout(), logging.NewNop()),
		logger: logging.NewNop(),
	}
	names := pipeline.StageNames()
	results := make([]preflight.Result, 0, len(names))
	for _, name := range names {
		result := preflight.Result{Name: "Stage " + name}
		handler, err := r.handler(ctx, name)
		if err != nil {
			result.Detail = err.Error()
			results = append(results, result)
			continue
		}
		health := handler.HealthCheck(ctx)
		result.Passed = health.Ready
		result.Detail = health.Detail
		if result.Passed {
			result.Detail = "ready"
		}
		results = append(results, result)
	}
	return results
}
