// Package streams defines the durable, replayable log that connects pipeline
// stages, and its Redis Streams implementation.
//
// Producers append field maps to a named stream; each stage reads through a
// consumer group so a message is delivered to exactly one member at a time and
// stays pending until acknowledged. Pending entries owned by crashed consumers
// can be reclaimed by another member after an idle threshold. Delivery is
// at-least-once: consumers must tolerate replays.
package streams
