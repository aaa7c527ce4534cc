// Package jobstate tracks per-job progress for idempotent, at-least-once stage
// processing.
//
// A job is keyed by its tracking identity and records which steps have
// completed (monotonic flags), an optional terminal summary marking it fully
// processed, and the last recorded error. Retry counters and the per-file
// status record are keyed by stage and filename instead. RedisStore keeps the
// historical key layout (processing:<id>, processed:<id>, file:<name>,
// <stage>_retries:<name>) so existing deployments remain readable.
package jobstate
