// Package lock provides cooperative, cross-process exclusive locks over shared
// filesystem artifacts.
//
// A lock on path P is an advisory flock held on the sibling artifact
// "P.lock". Acquisition polls a non-blocking attempt at a fixed interval until
// it succeeds or the timeout elapses. Release unlinks the artifact, so every
// acquisition verifies that its descriptor still refers to the file on disk
// before reporting success. EnsureOnce packages the check, lock, re-check
// sequence used to create shared artifacts (cover art, album covers) exactly
// once.
//
// Instance wraps gofrs/flock to keep a single process per consumer name.
package lock
