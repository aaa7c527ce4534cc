package lock

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"stemflow/internal/logging"
)

// RemoveStale deletes lock artifacts under dir whose modification time is
// older than olderThan and that no process currently holds. It returns the
// number of artifacts removed.
func (m *Manager) RemoveStale(dir string, olderThan time.Duration) (int, error) {
	if olderThan <= 0 || strings.TrimSpace(dir) == "" {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Suffix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		file, ok, err := tryAcquire(path)
		if err != nil || !ok {
			return nil
		}
		if rmErr := os.Remove(path); rmErr == nil {
			removed++
			m.logger.Info("removed stale lock artifact", logging.String("path", path), logging.Duration("age", time.Since(info.ModTime())))
		}
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		_ = file.Close()
		return nil
	})
	return removed, err
}
