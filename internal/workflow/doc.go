// Package workflow runs stage workers: the consume, process, acknowledge
// loop that moves a file from one stream to the next.
//
// A Worker owns one stage of the pipeline. It makes sure its consumer group
// exists, reclaims messages a crashed peer left pending, then polls its input
// stream one message at a time. Each message is decoded into a typed
// envelope; malformed messages are acknowledged and dropped. Work that the
// job record already shows as done is acknowledged without running the
// stage body again, re-publishing the downstream hand-off when a previous
// run stopped between marking the step and publishing. Everything else runs
// through the retry orchestrator on a context detached from shutdown, so a
// message that started processing always finishes.
//
// Failures that survive every retry leave the message unacknowledged and put
// the worker into an exponential backoff bounded by the configured cap.
//
// Manager hosts several runners in one process for the all-in-one mode and
// reports their state for the status command.
package workflow
