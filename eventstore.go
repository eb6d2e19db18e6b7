package aggregate

import (
	"context"
	"fmt"
)

// EventStoreClient is the only I/O boundary of the runtime: an append-only,
// stream oriented event store. Implementations exchange serialized WireEvent
// records; the Repository owns the mapping to and from domain envelopes.
//
// Implementations must guarantee:
//   - Events of one stream are returned in nonce order.
//   - An append is atomic: either every event of the batch is stored or none is.
//   - The expected Revision is checked atomically with the append, and a
//     mismatch is reported as a *ConcurrencyConflictError.
type EventStoreClient interface {
	// Connect acquires the underlying connection. Callers must pair it with
	// Disconnect.
	Connect(ctx context.Context) error

	// Disconnect releases the underlying connection. It is idempotent.
	Disconnect(ctx context.Context) error

	// ReadEvents returns the events of stream whose nonce is at least
	// fromVersion. A fromVersion of 0 or 1 reads the whole stream. A stream
	// that does not exist yields an empty slice and no error.
	ReadEvents(ctx context.Context, stream string, fromVersion uint64) ([]WireEvent, error)

	// AppendEvents appends events to stream if the stream satisfies expected.
	// ExplicitRevision(0) and NoStream{} both require that the stream does not
	// exist yet.
	AppendEvents(ctx context.Context, stream string, events []WireEvent, expected Revision) (AppendResult, error)

	// StreamExists reports whether stream holds at least one event.
	StreamExists(ctx context.Context, stream string) (bool, error)
}

// AppendResult describes a successful append.
type AppendResult struct {
	// NextExpectedVersion is the version of the stream after the append.
	NextExpectedVersion uint64
	// LastGlobalPosition is the global position of the last appended event.
	LastGlobalPosition uint64
	// Recorded holds the appended events with their store assigned fields set.
	Recorded []WireEvent
}

// ValidateAppend checks that events form a valid batch for stream at version
// current: every event belongs to stream, and the nonces are contiguous and
// start at current+1. A wrong starting nonce means the batch was built
// against a stale version and is reported as a concurrency conflict.
func ValidateAppend(stream string, events []WireEvent, current uint64) error {
	if len(events) == 0 {
		return nil
	}
	if first := events[0].AggregateNonce; first != current+1 {
		var expected uint64
		if first > 0 {
			expected = first - 1
		}
		return &ConcurrencyConflictError{Stream: stream, ExpectedVersion: expected, ActualVersion: current}
	}
	for i, ev := range events {
		if ev.StreamName() != stream {
			return fmt.Errorf("append to stream %q: event %d belongs to stream %q: %w",
				stream, i, ev.StreamName(), ErrInvalidEventBatch)
		}
		if want := current + uint64(i) + 1; ev.AggregateNonce != want {
			return fmt.Errorf("append to stream %q: event %d has nonce %d, want %d: %w",
				stream, i, ev.AggregateNonce, want, ErrInvalidEventBatch)
		}
		if ev.EventType == "" {
			return fmt.Errorf("append to stream %q: event %d has no type: %w", stream, i, ErrInvalidEventBatch)
		}
	}
	return nil
}
