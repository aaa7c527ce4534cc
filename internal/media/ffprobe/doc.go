// Package ffprobe provides a typed wrapper around ffprobe JSON output for
// audio files.
//
// Key types:
//   - Result: parsed ffprobe output containing streams and format metadata
//   - Stream: individual audio or attached picture stream properties
//   - Format: container-level metadata (duration, size, bitrate, tags)
//
// Primary entry point:
//   - Inspect: executes ffprobe and returns parsed Result
//
// Helper methods on Result give access to the primary audio stream, tag
// lookup that ignores key case, embedded cover art detection, duration and
// bitrate parsing.
package ffprobe
