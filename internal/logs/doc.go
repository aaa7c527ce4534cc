// Package logs reads the JSON log files every stemflow process appends to
// <log_dir>/<name>.log.
//
// Tail returns the last lines of a file or the lines after an offset, waits
// for new lines in follow mode, and keeps only lines that match a Filter so
// `stemflow logs --tracking-id` can follow one job across the worker logs.
package logs
