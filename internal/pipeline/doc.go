// Package pipeline holds the shared vocabulary of the stemflow pipeline: the
// stage table linking each worker to its input and output streams, the typed
// envelopes validated at the consume boundary, and the tracking identity every
// stage derives the same way.
package pipeline
