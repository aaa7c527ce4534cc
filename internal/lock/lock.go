package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"stemflow/internal/logging"
	"stemflow/internal/services"
)

// Suffix is appended to a protected path to form its lock artifact.
const Suffix = ".lock"

const (
	defaultPollInterval = time.Second
	defaultTimeout      = 30 * time.Second
)

// ErrTimeout reports that a lock could not be acquired before the deadline.
var ErrTimeout = errors.New("lock timeout")

// TimeoutError carries the contended path and the time spent waiting. It
// matches both ErrTimeout and services.ErrTimeout.
type TimeoutError struct {
	Path   string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock %s: timed out after %s", e.Path, e.Waited.Round(time.Millisecond))
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == services.ErrTimeout
}

// Manager hands out lock handles with a shared poll interval and default timeout.
type Manager struct {
	poll    time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewManager returns a manager. Non-positive durations fall back to 1s polling
// and a 30s timeout.
func NewManager(poll, timeout time.Duration, logger *slog.Logger) *Manager {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Manager{poll: poll, timeout: timeout, logger: logging.NewComponentLogger(logger, "lock")}
}

// Handle is an acquired exclusive lock. Release is idempotent.
type Handle struct {
	path     string
	lockPath string
	file     *os.File
	acquired time.Time

	mu       sync.Mutex
	released bool
}

// Path returns the protected path (without the lock suffix).
func (h *Handle) Path() string { return h.path }

// Held reports how long the handle has been held.
func (h *Handle) Held() time.Duration { return time.Since(h.acquired) }

// Release unlinks the lock artifact and drops the lock. A missing artifact is
// not an error and repeated calls are no-ops.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	var errs []error
	if err := os.Remove(h.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove lock artifact: %w", err))
	}
	if err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := h.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock artifact: %w", err))
	}
	return errors.Join(errs...)
}

// Acquire blocks until an exclusive lock on path is held, timeout elapses, or
// ctx is cancelled. A non-positive timeout uses the manager default.
func (m *Manager) Acquire(ctx context.Context, path string, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = m.timeout
	}
	lockPath := path + Suffix
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		file, ok, err := tryAcquire(lockPath)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if ok {
			m.logger.Debug("lock acquired",
				logging.String("path", path),
				logging.Duration("waited", time.Since(start)),
			)
			return &Handle{path: path, lockPath: lockPath, file: file, acquired: time.Now()}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &TimeoutError{Path: path, Waited: time.Since(start)}
		}
		wait := min(m.poll, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lock %s: %w", path, ctx.Err())
		case <-timer.C:
		}
	}
}

// With runs fn while holding the lock on path. The lock is released on every
// exit path, including a panic in fn.
func (m *Manager) With(ctx context.Context, path string, timeout time.Duration, fn func() error) (err error) {
	handle, err := m.Acquire(ctx, path, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := handle.Release(); releaseErr != nil {
			logging.WarnWithContext(m.logger, "lock release failed", "lock_release_failed",
				logging.String("path", path),
				logging.Error(releaseErr),
				logging.String(logging.FieldImpact, "a stale lock artifact may remain until the next sweep"),
			)
		}
	}()
	return fn()
}

// EnsureOnce creates target via create unless it already exists, using the
// check, lock, re-check sequence so concurrent callers create it at most once.
// It reports whether this caller performed the creation.
func (m *Manager) EnsureOnce(ctx context.Context, target string, timeout time.Duration, create func(target string) error) (bool, error) {
	if exists(target) {
		return false, nil
	}
	created := false
	err := m.With(ctx, target, timeout, func() error {
		if exists(target) {
			return nil
		}
		if err := create(target); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// tryAcquire makes one non-blocking attempt. It returns ok=false without error
// when another holder owns the lock or the artifact was replaced underneath us.
func tryAcquire(lockPath string) (*os.File, bool, error) {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, false, nil
		}
		return nil, false, err
	}

	held, statErr := file.Stat()
	onDisk, pathErr := os.Stat(lockPath)
	if statErr != nil || pathErr != nil || !os.SameFile(held, onDisk) {
		// The previous holder unlinked the artifact after we opened it.
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		_ = file.Close()
		return nil, false, nil
	}
	return file, true, nil
}
