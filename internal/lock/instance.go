package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// ErrInstanceRunning reports that another process already holds an instance lock.
var ErrInstanceRunning = errors.New("another instance is already running")

// Instance guards a long-running process so only one copy per name runs on a host.
type Instance struct {
	path string
	lock *flock.Flock
}

// AcquireInstance takes the instance lock <dir>/<name>.pid without blocking.
// The file records the owning pid for operators.
func AcquireInstance(dir, name string) (*Instance, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure instance lock directory: %w", err)
	}
	path := filepath.Join(dir, name+".pid")
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrInstanceRunning, path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("record instance pid: %w", err)
	}
	return &Instance{path: path, lock: fl}, nil
}

// Path returns the instance lock file path.
func (i *Instance) Path() string { return i.path }

// Release drops the instance lock.
func (i *Instance) Release() error {
	if i == nil || i.lock == nil {
		return nil
	}
	return i.lock.Unlock()
}
