// Package services defines shared utilities consumed by the stage workers and
// their external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp tracking identities, stage names, consumer
//     names, and correlation identifiers for logging.
//   - Structured error markers plus the Wrap and Details helpers that let the
//     retry orchestrator and worker loop classify failures (poison, missing
//     artifact, timeout, transient, exhausted).
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
