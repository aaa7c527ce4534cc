// Package main hosts the stemflow CLI entrypoint and command graph.
//
// The Cobra command tree starts stage workers, the ingest watcher or the
// all-in-one runner, and offers inspection commands over the shared job
// state: per-file status, job records, pending stream entries and manual
// clearing of exhausted jobs. It centralizes configuration resolution,
// backend construction and logging setup so subcommands stay small.
//
// Keep this package lean: add behaviour to the internal packages first and
// surface it here through a dedicated command or flag.
package main
