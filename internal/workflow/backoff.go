package workflow

import (
	"context"
	"time"
)

const defaultBackoffCap = 30 * time.Second

// Backoff returns the pause after failures consecutive failed jobs:
// 2^failures seconds, never more than limit. A non-positive limit uses the
// 30 second default.
func Backoff(failures int, limit time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	if limit <= 0 {
		limit = defaultBackoffCap
	}
	// 2^30 seconds already exceeds any sensible cap; stop before the shift
	// overflows a Duration.
	if failures >= 30 {
		return limit
	}
	d := time.Duration(1<<failures) * time.Second
	if d > limit {
		return limit
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
