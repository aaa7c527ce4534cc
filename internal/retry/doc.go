// Package retry runs a stage body with a bounded number of attempts, a fixed
// delay between them, and durable bookkeeping of every failure.
//
// Each failed attempt increments the per stage, per file retry counter,
// records the error against the job and the file status record, and waits the
// configured delay before the next attempt. Success resets the counter. When
// the attempts are exhausted a single terminal failure notification is sent
// and an error matching services.ErrExhausted is returned; the caller decides
// whether to acknowledge the message.
package retry
