package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stemflow/internal/archive"
	"stemflow/internal/backend"
	"stemflow/internal/config"
	"stemflow/internal/ingest"
	"stemflow/internal/lock"
	"stemflow/internal/logging"
	"stemflow/internal/metadata"
	"stemflow/internal/notifications"
	"stemflow/internal/packaging"
	"stemflow/internal/pipeline"
	"stemflow/internal/preflight"
	"stemflow/internal/separation"
	"stemflow/internal/stage"
	"stemflow/internal/staging"
	"stemflow/internal/workflow"
)

// runtime holds the clients one long-running process shares between the
// workers and the watcher it hosts.
type runtime struct {
	cfg      *config.Config
	backend  *backend.Backend
	locks    *lock.Manager
	notifier notifications.Service
	logger   *slog.Logger
}

func (c *commandContext) openRuntime(ctx context.Context, name string) (*runtime, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.logger(name)
	if err != nil {
		return nil, err
	}
	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &runtime{
		cfg:      cfg,
		backend:  b,
		locks:    lock.NewManager(cfg.LockPollInterval(), cfg.LockTimeout(), logger),
		notifier: notifications.NewService(cfg, logger),
		logger:   logger,
	}, nil
}

func (r *runtime) Close() error {
	return r.backend.Close()
}

// checkReady runs the preflight checks for the named stages and refuses to
// start when a required one fails.
func (r *runtime) checkReady(ctx context.Context, stages ...string) error {
	failed := preflight.Failed(preflight.RunAll(ctx, r.cfg, r.backend.Bus, stages...))
	if len(failed) == 0 {
		return nil
	}
	details := make([]string, 0, len(failed))
	for _, f := range failed {
		r.logger.Error("preflight check failed",
			logging.String("check", f.Name),
			logging.String("detail", f.Detail),
			logging.String(logging.FieldEventType, "preflight_failed"),
		)
		details = append(details, f.Name+": "+f.Detail)
	}
	return fmt.Errorf("preflight failed (%s); run `stemflow doctor` for details", strings.Join(details, "; "))
}

// sweepScratch removes scratch abandoned by earlier crashes. The cutoff is
// the stale lock age, but never less than twice the separator timeout so a
// separation running on another host keeps its scratch.
func (r *runtime) sweepScratch(ctx context.Context) {
	maxAge := time.Duration(max(r.cfg.Workflow.StaleLockSeconds, 2*r.cfg.Splitter.TimeoutSeconds)) * time.Second
	result := staging.CleanStale(ctx, staging.ScratchDirs(r.cfg), maxAge, r.logger)
	if len(result.Removed) > 0 {
		r.logger.Info("stale scratch swept",
			logging.Int("removed", len(result.Removed)),
			logging.Int64("bytes", result.Bytes),
			logging.String(logging.FieldEventType, "scratch_swept"),
		)
	}
}

func (r *runtime) handler(ctx context.Context, name string) (stage.Handler, error) {
	switch name {
	case pipeline.StageMetadata:
		return metadata.NewHandler(r.cfg, r.locks, r.logger), nil
	case pipeline.StageSplitter:
		return separation.NewHandler(r.cfg, r.locks, r.logger), nil
	case pipeline.StagePackager:
		archiver, err := archive.New(ctx, r.cfg.Archive, r.logger)
		if err != nil {
			return nil, err
		}
		return packaging.NewHandler(r.cfg, r.locks, archiver, r.logger), nil
	default:
		return nil, fmt.Errorf("no stage body for %q", name)
	}
}

func (r *runtime) worker(ctx context.Context, name string) (*workflow.Worker, error) {
	stg, err := pipeline.Lookup(name)
	if err != nil {
		return nil, err
	}
	handler, err := r.handler(ctx, name)
	if err != nil {
		return nil, err
	}
	return workflow.NewWorker(stg, handler, workflow.Deps{
		Config:   r.cfg,
		Bus:      r.backend.Bus,
		Store:    r.backend.State,
		Locks:    r.locks,
		Notifier: r.notifier,
		Logger:   r.logger,
	})
}

func (r *runtime) watcher() *ingest.Watcher {
	ing := ingest.NewIngester(r.cfg, r.backend.Bus, r.backend.State, r.locks, r.logger)
	return ingest.NewWatcher(ing, r.logger)
}

// host runs runners under a workflow manager until ctx is cancelled. The
// instance lock keeps a second copy of the same process off this host.
func (r *runtime) host(ctx context.Context, instanceName string, runners ...workflow.Runner) error {
	if instanceName != "" {
		inst, err := lock.AcquireInstance(r.cfg.Paths.StateDir, instanceName)
		if err != nil {
			return err
		}
		defer inst.Release()
	}
	mgr := workflow.NewManager(r.logger, runners...)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	err := mgr.Wait()
	mgr.LogStatus(context.WithoutCancel(ctx))
	return err
}
