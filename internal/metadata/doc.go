// Package metadata implements the metadata stage body.
//
// The handler resolves the queued copy of a file, probes it with ffprobe for
// tags and audio properties, extracts embedded cover art into the shared
// covers directory (once per album, under an artifact lock) and writes the
// result as <filename>.json in the metadata directory. The packaging stage
// reads that document back through Load.
package metadata
