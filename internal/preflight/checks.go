package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"stemflow/internal/config"
	"stemflow/internal/deps"
	"stemflow/internal/streams"
)

const busTimeout = 5 * time.Second

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSystemDeps evaluates the external binaries the named stages need.
// Both the worker startup path and the doctor command use this.
func CheckSystemDeps(cfg *config.Config, stages ...string) []deps.Status {
	if len(stages) == 0 {
		return deps.CheckBinaries(deps.Requirements(cfg, ""))
	}
	seen := map[string]int{}
	var reqs []deps.Requirement
	for _, name := range stages {
		for _, req := range deps.Requirements(cfg, name) {
			if idx, ok := seen[req.Command]; ok {
				reqs[idx].Optional = reqs[idx].Optional && req.Optional
				continue
			}
			seen[req.Command] = len(reqs)
			reqs = append(reqs, req)
		}
	}
	return deps.CheckBinaries(reqs)
}

// FromStatus converts a dependency status into a check result.
func FromStatus(status deps.Status) Result {
	r := Result{Name: status.Name, Passed: status.Available, Optional: status.Optional}
	switch {
	case status.Available:
		r.Detail = status.Command
	case status.Detail != "":
		r.Detail = status.Detail
	default:
		r.Detail = "unavailable"
	}
	return r
}

// CheckBus verifies the stream bus answers within a few seconds.
func CheckBus(ctx context.Context, bus streams.Bus) Result {
	const name = "Stream bus"

	checkCtx, cancel := context.WithTimeout(ctx, busTimeout)
	defer cancel()

	if err := bus.Ping(checkCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Name: name, Detail: "ping timed out"}
		}
		return Result{Name: name, Detail: fmt.Sprintf("ping failed (%v)", err)}
	}
	return Result{Name: name, Passed: true, Detail: "reachable"}
}
