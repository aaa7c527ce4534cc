// Package queue persists the stream bus and job state in a single SQLite
// database for single-host deployments.
//
// Store implements both streams.Bus and jobstate.Store. Stream entries,
// consumer group cursors and pending lists live in the stream_* tables; job
// records, retry counters, last errors and per-file status live alongside
// them. Several worker processes may share one database file: reads that
// deliver or reclaim entries run in immediate transactions so two consumers
// never receive the same entry, and busy errors are retried with a short
// backoff.
//
// Schema changes bump the version in schema.go; users clear the database to
// adopt the new schema.
package queue
