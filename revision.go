package aggregate

import "fmt"

// Revision is the precondition an append places on the current version of a
// stream. The version of a stream is the number of events it holds.
type Revision interface {
	toRawInt64() int64
}

// Any means append without checking current revision.
type Any struct{}

func (Any) toRawInt64() int64 { return -1 } // special marker

// NoStream means the stream should not exist yet.
type NoStream struct{}

func (NoStream) toRawInt64() int64 { return 0 }

// StreamExists means the stream must exist.
type StreamExists struct{}

func (StreamExists) toRawInt64() int64 { return -2 } // special marker

// ExplicitRevision matches exactly a numeric revision. ExplicitRevision(0)
// behaves like NoStream.
type ExplicitRevision uint64

func (r ExplicitRevision) toRawInt64() int64 { return int64(r) }

// ExpectedVersion returns the exact version required by rev, if any.
func ExpectedVersion(rev Revision) (uint64, bool) {
	switch r := rev.(type) {
	case NoStream:
		return 0, true
	case ExplicitRevision:
		return uint64(r), true
	default:
		return 0, false
	}
}

// CheckRevision validates rev against the current version of stream. Stores
// call it while holding whatever lock makes the subsequent append atomic.
func CheckRevision(stream string, rev Revision, current uint64) error {
	switch r := rev.(type) {
	case nil, Any:
		return nil
	case StreamExists:
		if current == 0 {
			return fmt.Errorf("stream %q: should exist: %w", stream, ErrStreamNotFound)
		}
		return nil
	case NoStream, ExplicitRevision:
		expected, _ := ExpectedVersion(r)
		if current != expected {
			return &ConcurrencyConflictError{Stream: stream, ExpectedVersion: expected, ActualVersion: current}
		}
		return nil
	default:
		return fmt.Errorf("stream %q: unsupported revision %T: %w", stream, rev, ErrInvalidRevision)
	}
}
