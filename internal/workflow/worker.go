package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"stemflow/internal/config"
	"stemflow/internal/jobstate"
	"stemflow/internal/lock"
	"stemflow/internal/logging"
	"stemflow/internal/notifications"
	"stemflow/internal/pipeline"
	"stemflow/internal/retry"
	"stemflow/internal/services"
	"stemflow/internal/stage"
	"stemflow/internal/streams"
)

const reclaimBatch = 10

// Deps are the shared clients a Worker is built from. Each process builds
// them once and hands the same values to every worker it hosts.
type Deps struct {
	Config   *config.Config
	Bus      streams.Bus
	Store    jobstate.Store
	Locks    *lock.Manager
	Notifier notifications.Service
	Logger   *slog.Logger
}

// Worker drives one pipeline stage.
type Worker struct {
	stage    pipeline.Stage
	handler  stage.Handler
	cfg      *config.Config
	bus      streams.Bus
	store    jobstate.Store
	locks    *lock.Manager
	notifier notifications.Service
	orch     *retry.Orchestrator
	logger   *slog.Logger

	group    string
	consumer string

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu          sync.RWMutex
	state       State
	lastErr     error
	lastReclaim time.Time
	lastPrune   time.Time
	failures    int

	processed atomic.Int64
	failed    atomic.Int64
	poisoned  atomic.Int64
}

// NewWorker wires handler to stg using the shared deps.
func NewWorker(stg pipeline.Stage, handler stage.Handler, deps Deps) (*Worker, error) {
	if deps.Config == nil {
		return nil, services.Wrap(services.ErrConfiguration, stg.Name, "new worker", "config is required", nil)
	}
	if deps.Bus == nil || deps.Store == nil {
		return nil, services.Wrap(services.ErrConfiguration, stg.Name, "new worker", "bus and state store are required", nil)
	}
	if handler == nil {
		return nil, services.Wrap(services.ErrConfiguration, stg.Name, "new worker", "stage handler is required", nil)
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notifications.NewNoop()
	}
	locks := deps.Locks
	if locks == nil {
		locks = lock.NewManager(cfg.LockPollInterval(), cfg.LockTimeout(), logger)
	}
	consumer := stg.Consumer(cfg, DefaultConsumerName(stg.Name))

	w := &Worker{
		stage:    stg,
		handler:  handler,
		cfg:      cfg,
		bus:      deps.Bus,
		store:    deps.Store,
		locks:    locks,
		notifier: notifier,
		orch:     retry.New(deps.Store, notifier, logger),
		group:    stg.Group(cfg),
		consumer: consumer,
		now:      time.Now,
		sleep:    sleepContext,
		state:    StateStarting,
	}
	w.logger = logger.With(
		logging.String(logging.FieldComponent, "worker"),
		logging.String(logging.FieldStage, stg.Name),
		logging.String(logging.FieldConsumer, consumer),
	)
	return w, nil
}

// DefaultConsumerName returns <stage>-<hostname>-<pid>.
func DefaultConsumerName(stageName string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%s-%d", stageName, host, os.Getpid())
}

// Name returns the stage name.
func (w *Worker) Name() string { return w.stage.Name }

// Consumer returns the consumer name this worker reads as.
func (w *Worker) Consumer() string { return w.consumer }

// Group returns the consumer group this worker belongs to.
func (w *Worker) Group() string { return w.group }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) setLastError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

// Run consumes the stage's input stream until ctx is cancelled. It returns
// an error only when startup fails; a cancelled context stops the loop after
// the message in hand is finished.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateStarting)
	defer w.setState(StateStopped)

	ctx = services.WithStage(ctx, w.stage.Name)
	ctx = services.WithConsumer(ctx, w.consumer)

	if err := w.startup(ctx); err != nil {
		w.setLastError(err)
		logging.ErrorWithContext(w.logger, "worker startup failed", "worker_startup_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the bus connection and directory permissions"),
		)
		return err
	}
	w.setState(StateGroupReady)
	w.logger.Info("worker ready",
		logging.String(logging.FieldEventType, "worker_ready"),
		logging.String(logging.FieldStream, w.stage.Input),
		logging.String("group", w.group),
	)
	w.reclaim(ctx)
	w.prune(ctx)

	block := w.cfg.BlockDuration()
	for {
		if ctx.Err() != nil {
			w.setState(StateShuttingDown)
			w.logger.Info("worker stopping", logging.String(logging.FieldEventType, "worker_stopping"))
			return nil
		}
		w.setState(StatePolling)
		if w.reclaimDue() {
			w.reclaim(ctx)
		}
		if w.pruneDue() {
			w.prune(ctx)
		}

		msgs, err := w.bus.ReadGroup(ctx, w.stage.Input, w.group, w.consumer, 1, block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.setLastError(err)
			w.logger.Warn("stream read failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "stream_read_failed"),
				logging.String(logging.FieldErrorHint, "check the bus connection"),
			)
			w.backoff(ctx)
			continue
		}
		if len(msgs) == 0 {
			w.resetFailures()
			continue
		}
		for _, msg := range msgs {
			w.process(ctx, msg)
		}
	}
}

func (w *Worker) startup(ctx context.Context) error {
	if err := w.cfg.EnsureDirectories(); err != nil {
		return services.Wrap(services.ErrConfiguration, w.stage.Name, "startup", "create directories", err)
	}
	if stale := time.Duration(w.cfg.Workflow.StaleLockSeconds) * time.Second; stale > 0 {
		for _, dir := range []string{w.cfg.Paths.QueueDir, w.cfg.Paths.CoversDir, w.cfg.Paths.OutputDir} {
			if _, err := w.locks.RemoveStale(dir, stale); err != nil {
				w.logger.Warn("stale lock sweep failed",
					logging.String("dir", dir),
					logging.Error(err),
					logging.String(logging.FieldEventType, "lock_sweep_failed"),
					logging.String(logging.FieldImpact, "abandoned lock files may delay the first job"),
				)
			}
		}
	}
	if err := w.bus.EnsureGroup(ctx, w.stage.Input, w.group); err != nil {
		return fmt.Errorf("ensure group %s on %s: %w", w.group, w.stage.Input, err)
	}
	return nil
}

func (w *Worker) reclaimMinIdle() time.Duration {
	return time.Duration(w.cfg.Workflow.ReclaimMinIdleSeconds) * time.Second
}

func (w *Worker) reclaimDue() bool {
	if w.reclaimMinIdle() <= 0 {
		return false
	}
	interval := time.Duration(w.cfg.Workflow.ReclaimIntervalSeconds) * time.Second
	w.mu.RLock()
	last := w.lastReclaim
	w.mu.RUnlock()
	return w.now().Sub(last) >= interval
}

// reclaim takes over messages idle in other consumers' pending lists and
// processes them in place.
func (w *Worker) reclaim(ctx context.Context) {
	minIdle := w.reclaimMinIdle()
	if minIdle <= 0 {
		return
	}
	w.mu.Lock()
	w.lastReclaim = w.now()
	w.mu.Unlock()

	msgs, err := w.bus.ReclaimStale(ctx, w.stage.Input, w.group, w.consumer, minIdle, reclaimBatch)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("reclaim stale messages failed; stuck messages may remain",
				logging.Error(err),
				logging.String(logging.FieldEventType, "reclaim_failed"),
				logging.String(logging.FieldErrorHint, "check the bus connection"),
			)
		}
		return
	}
	if len(msgs) == 0 {
		return
	}
	w.logger.Info("reclaimed stale messages",
		logging.Int("count", len(msgs)),
		logging.Duration("min_idle", minIdle),
		logging.String(logging.FieldEventType, "reclaimed"),
	)
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, msg)
	}
}

func (w *Worker) streamRetention() time.Duration {
	return time.Duration(w.cfg.Workflow.StreamRetentionSeconds) * time.Second
}

func (w *Worker) pruneDue() bool {
	retention := w.streamRetention()
	if retention <= 0 {
		return false
	}
	w.mu.RLock()
	last := w.lastPrune
	w.mu.RUnlock()
	return w.now().Sub(last) >= max(retention/4, time.Second)
}

// prune drops acknowledged input entries older than the retention window on
// buses that keep them after acknowledgement.
func (w *Worker) prune(ctx context.Context) {
	retention := w.streamRetention()
	pruner, ok := w.bus.(streams.Pruner)
	if !ok || retention <= 0 {
		return
	}
	w.mu.Lock()
	w.lastPrune = w.now()
	w.mu.Unlock()

	removed, err := pruner.PruneAcknowledged(ctx, w.stage.Input, retention)
	if err != nil {
		if ctx.Err() == nil {
			logging.WarnWithContext(w.logger, "stream prune failed", "stream_prune_failed",
				logging.Error(err),
				logging.String(logging.FieldStream, w.stage.Input),
				logging.String(logging.FieldImpact, "acknowledged entries stay until the next prune"),
			)
		}
		return
	}
	if removed > 0 {
		w.logger.Info("acknowledged stream entries pruned",
			logging.Int64("removed", removed),
			logging.String(logging.FieldStream, w.stage.Input),
			logging.String(logging.FieldEventType, "stream_pruned"),
		)
	}
}

func (w *Worker) process(ctx context.Context, msg streams.Message) {
	w.setState(StateProcessing)
	err := w.handle(ctx, msg)
	if err == nil {
		w.resetFailures()
		return
	}
	w.setLastError(err)
	w.backoff(ctx)
}

func (w *Worker) resetFailures() {
	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()
}

// backoff records one more consecutive failure and sleeps accordingly. The
// sleep ends early when ctx is cancelled.
func (w *Worker) backoff(ctx context.Context) {
	w.mu.Lock()
	w.failures++
	failures := w.failures
	w.mu.Unlock()

	delay := Backoff(failures, w.cfg.BackoffCap())
	w.logger.Info("backing off",
		logging.Int("consecutive_failures", failures),
		logging.Duration("delay", delay),
		logging.String(logging.FieldEventType, "worker_backoff"),
	)
	if err := w.sleep(ctx, delay); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Debug("backoff interrupted", logging.Error(err))
	}
}

// ConsecutiveFailures returns the current backoff exponent.
func (w *Worker) ConsecutiveFailures() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.failures
}
