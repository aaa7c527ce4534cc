package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"stemflow/internal/logging"
	"stemflow/internal/stage"
)

// Runner is a long-lived loop the Manager can host.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Manager runs several workers (and the ingest watcher) in one process.
type Manager struct {
	logger  *slog.Logger
	runners []Runner

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    []error
	done    chan struct{}
}

// NewManager constructs a manager for runners.
func NewManager(logger *slog.Logger, runners ...Runner) *Manager {
	return &Manager{
		logger:  logging.NewComponentLogger(logger, "workflow-manager"),
		runners: runners,
	}
}

// Start launches every runner in its own goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("workflow already running")
	}
	if len(m.runners) == 0 {
		return errors.New("workflow runners not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.errs = nil
	m.done = make(chan struct{})

	m.wg.Add(len(m.runners))
	for _, runner := range m.runners {
		go m.run(runCtx, runner)
	}
	go func(done chan struct{}) {
		m.wg.Wait()
		close(done)
	}(m.done)

	m.logger.Info("workflow started", logging.Int("runners", len(m.runners)))
	return nil
}

func (m *Manager) run(ctx context.Context, runner Runner) {
	defer m.wg.Done()
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("runner exited with error",
			logging.String("runner", runner.Name()),
			logging.Error(err),
			logging.String(logging.FieldEventType, "runner_failed"),
		)
		m.mu.Lock()
		m.errs = append(m.errs, fmt.Errorf("%s: %w", runner.Name(), err))
		m.mu.Unlock()
		// One failed startup stops the whole process.
		m.mu.RLock()
		cancel := m.cancel
		m.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
	}
}

// Wait blocks until every runner returned and reports their errors.
func (m *Manager) Wait() error {
	m.mu.RLock()
	done := m.done
	m.mu.RUnlock()
	if done == nil {
		return nil
	}
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return errors.Join(m.errs...)
}

// Stop cancels the runners and waits for them to finish the work in hand.
func (m *Manager) Stop() error {
	m.mu.RLock()
	cancel := m.cancel
	running := m.running
	m.mu.RUnlock()
	if !running {
		return nil
	}
	cancel()
	return m.Wait()
}

// WorkerStatus is a point-in-time view of one hosted worker.
type WorkerStatus struct {
	Stage     string
	Consumer  string
	State     State
	Processed int64
	Failed    int64
	Poisoned  int64
	LastError string
	Health    stage.Health
}

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running bool
	Workers []WorkerStatus
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	running := m.running
	runners := append([]Runner(nil), m.runners...)
	m.mu.RUnlock()

	summary := StatusSummary{Running: running}
	for _, runner := range runners {
		if worker, ok := runner.(*Worker); ok {
			summary.Workers = append(summary.Workers, worker.Snapshot(ctx))
		}
	}
	return summary
}

// LogStatus writes one record per hosted worker with its counters and the
// readiness of its stage body.
func (m *Manager) LogStatus(ctx context.Context) {
	summary := m.Status(ctx)
	for _, w := range summary.Workers {
		attrs := []logging.Attr{
			logging.String(logging.FieldStage, w.Stage),
			logging.String("consumer", w.Consumer),
			logging.String("state", string(w.State)),
			logging.Int64("processed", w.Processed),
			logging.Int64("failed", w.Failed),
			logging.Int64("poisoned", w.Poisoned),
			logging.Bool("ready", w.Health.Ready),
			logging.String(logging.FieldEventType, "worker_summary"),
		}
		if w.Health.Detail != "" {
			attrs = append(attrs, logging.String("health", w.Health.Detail))
		}
		if w.LastError != "" {
			attrs = append(attrs, logging.String("last_error", w.LastError))
		}
		m.logger.Info("worker summary", logging.Args(attrs...)...)
	}
}

// Snapshot reports the worker's counters and its stage body's health.
func (w *Worker) Snapshot(ctx context.Context) WorkerStatus {
	w.mu.RLock()
	status := WorkerStatus{
		Stage:    w.stage.Name,
		Consumer: w.consumer,
		State:    w.state,
	}
	if w.lastErr != nil {
		status.LastError = w.lastErr.Error()
	}
	w.mu.RUnlock()
	status.Processed = w.processed.Load()
	status.Failed = w.failed.Load()
	status.Poisoned = w.poisoned.Load()
	status.Health = w.handler.HealthCheck(ctx)
	return status
}
