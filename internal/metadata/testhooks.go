package metadata

import (
	"context"

	"stemflow/internal/media/ffprobe"
)

// probeAudio is the ffprobe function used by the metadata package.
// It is a package-level variable so tests can override it.
var probeAudio = ffprobe.Inspect

// SetProbeForTests overrides the ffprobe runner during tests.
func SetProbeForTests(fn func(context.Context, string, string) (ffprobe.Result, error)) func() {
	previous := probeAudio
	probeAudio = fn
	return func() {
		probeAudio = previous
	}
}
