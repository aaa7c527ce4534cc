package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"stemflow/internal/logging"
)

// Watcher queues every accepted file that appears under the input
// directory. It combines fsnotify events with a periodic rescan so files
// missed while the process was down, or by the event queue, are picked up.
type Watcher struct {
	ingester *Ingester
	logger   *slog.Logger
}

// NewWatcher constructs a watcher around ing.
func NewWatcher(ing *Ingester, logger *slog.Logger) *Watcher {
	return &Watcher{ingester: ing, logger: logging.NewComponentLogger(logger, "watcher")}
}

// Name identifies the watcher when it runs inside a workflow manager.
func (w *Watcher) Name() string { return "ingest" }

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	root := w.ingester.cfg.Paths.InputDir
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := w.addTree(fsw, root); err != nil {
		return err
	}
	w.logger.Info("watching input directory",
		logging.String("dir", root),
		logging.String(logging.FieldEventType, "watch_started"),
	)

	w.Scan(ctx)
	interval := time.Duration(w.ingester.cfg.Ingest.ScanIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopping", logging.String(logging.FieldEventType, "watch_stopped"))
			return nil
		case <-ticker.C:
			w.Scan(ctx)
		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			w.handleEvent(ctx, fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			w.logger.Warn("watch error; relying on periodic scans",
				logging.Error(err),
				logging.String(logging.FieldEventType, "watch_error"),
			)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if err := w.addTree(fsw, event.Name); err != nil {
			w.logger.Warn("new directory not watched", logging.String("dir", event.Name), logging.Error(err))
		}
		w.scanDir(ctx, event.Name)
		return
	}
	if w.ingester.Accepts(event.Name) {
		w.ingestOne(ctx, event.Name)
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

// Scan ingests every accepted file under the input directory and returns
// how many were queued.
func (w *Watcher) Scan(ctx context.Context) int {
	return w.scanDir(ctx, w.ingester.cfg.Paths.InputDir)
}

func (w *Watcher) scanDir(ctx context.Context, dir string) int {
	queued := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		if d.IsDir() || !w.ingester.Accepts(path) {
			return nil
		}
		if w.ingestOne(ctx, path) {
			queued++
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("input scan failed", logging.String("dir", dir), logging.Error(err))
	}
	return queued
}

func (w *Watcher) ingestOne(ctx context.Context, path string) bool {
	out, err := w.ingester.Ingest(ctx, path, Options{})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		logging.WarnWithContext(w.logger, "file not queued", "ingest_failed",
			logging.String("source", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the next scan retries the file"),
		)
		return false
	}
	return out.Skipped == "" && out.Filename != ""
}
