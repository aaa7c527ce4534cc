// Package staging removes scratch artifacts that crashed stage bodies left
// behind: separation scratch directories, half-extracted cover art and the
// hidden temporary files written before an atomic rename.
package staging

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stemflow/internal/config"
	"stemflow/internal/logging"
)

// CleanStaleResult contains the outcome of a stale scratch cleanup.
type CleanStaleResult struct {
	Removed []string
	Bytes   int64
	Errors  []CleanupError
}

// CleanupError pairs a path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

var scratchPrefixes = []string{".split-", ".extract-"}

var scratchMarkers = []string{".partial", ".tmp-"}

// IsScratch reports whether name is a scratch artifact written by a stage
// body or by the atomic file helpers.
func IsScratch(name string) bool {
	if !strings.HasPrefix(name, ".") {
		return false
	}
	for _, p := range scratchPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, m := range scratchMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

// ScratchDirs lists the directories stage bodies write scratch into.
func ScratchDirs(cfg *config.Config) []string {
	return []string{
		cfg.Paths.QueueDir,
		cfg.Paths.MetadataDir,
		cfg.Paths.CoversDir,
		cfg.Paths.StemsDir,
		cfg.Paths.OutputDir,
	}
}

// CleanStale removes scratch artifacts under dirs older than maxAge. A
// running stage body touches its scratch continuously, so only abandoned
// artifacts reach the cutoff.
func CleanStale(ctx context.Context, dirs []string, maxAge time.Duration, logger *slog.Logger) CleanStaleResult {
	result := CleanStaleResult{}
	if maxAge <= 0 {
		return result
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cutoff := time.Now().Add(-maxAge)

	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if path == dir || !IsScratch(entry.Name()) {
				return nil
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				if entry.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			size, _ := dirSize(path)
			if err := os.RemoveAll(path); err != nil {
				result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
				logger.Warn("failed to remove stale scratch",
					logging.String("path", path),
					logging.Error(err),
					logging.String(logging.FieldEventType, "scratch_cleanup_failed"),
					logging.String(logging.FieldErrorHint, "check directory permissions"),
					logging.String(logging.FieldImpact, "disk space not reclaimed"),
				)
			} else {
				result.Removed = append(result.Removed, path)
				result.Bytes += size
				logger.Info("removed stale scratch",
					logging.String("path", path),
					logging.Duration("age", time.Since(info.ModTime())),
					logging.Int64("bytes", size),
					logging.String(logging.FieldEventType, "scratch_cleanup"),
				)
			}
			if entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		})
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dir, Error: err})
		}
	}
	return result
}

// dirSize calculates the total size of a file or directory tree.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best effort
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
