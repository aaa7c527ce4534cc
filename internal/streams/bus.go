package streams

import (
	"context"
	"time"
)

// Stream names shared by every stage. The order is the pipeline order.
const (
	Queued       = "stream:queued"
	MetadataDone = "stream:metadata_done"
	SplitDone    = "stream:split_done"
	Packaged     = "stream:packaged"
)

// All lists every pipeline stream in order.
var All = []string{Queued, MetadataDone, SplitDone, Packaged}

// Message is one entry read from a stream.
type Message struct {
	ID     string
	Stream string
	Fields map[string]string
}

// PendingEntry describes a delivered but unacknowledged message.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Bus is the stream transport used by producers and stage workers.
type Bus interface {
	// Publish appends fields to stream and returns the assigned entry ID.
	Publish(ctx context.Context, stream string, fields map[string]string) (string, error)
	// EnsureGroup creates group on stream (and the stream itself) positioned at
	// the start. An existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup returns up to count never-delivered messages, waiting up to
	// block when none are available. Returned messages are pending for
	// consumer until acknowledged. An empty read returns nil, nil.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error)
	// Ack removes id from the group's pending list. Unknown IDs are ignored.
	Ack(ctx context.Context, stream, group, id string) error
	// ReclaimStale transfers pending entries idle for at least minIdle to
	// consumer and returns them for reprocessing.
	ReclaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Message, error)
	// Pending lists unacknowledged entries for inspection.
	Pending(ctx context.Context, stream, group string) ([]PendingEntry, error)
	// Ping verifies the transport is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Pruner is implemented by buses that keep acknowledged entries until asked
// to drop them.
type Pruner interface {
	PruneAcknowledged(ctx context.Context, stream string, olderThan time.Duration) (int64, error)
}
