package aggregate

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict matches every ConcurrencyConflictError via errors.Is.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrStreamNotFound      = errors.New("stream not found")
	ErrInvalidEventBatch   = errors.New("invalid event batch")
	ErrInvalidRevision     = errors.New("invalid revision")
	ErrInvalidStreamName   = errors.New("invalid stream name")
	ErrNotConnected        = errors.New("event store not connected")
)

// InvalidAggregateStateError reports a violated identity or lifecycle
// precondition: double initialization, applying before initialization or a
// command issued against an aggregate in an incompatible state. It is always a
// caller bug and never retried.
type InvalidAggregateStateError struct {
	AggregateType string
	AggregateID   string
	Reason        string
}

func (e *InvalidAggregateStateError) Error() string {
	if e.AggregateID == "" {
		return fmt.Sprintf("invalid state of aggregate %s: %s", e.AggregateType, e.Reason)
	}
	return fmt.Sprintf("invalid state of aggregate %s %q: %s", e.AggregateType, e.AggregateID, e.Reason)
}

// ConcurrencyConflictError is returned when the store rejects the expected
// version of an append. Callers should reload the aggregate and retry.
type ConcurrencyConflictError struct {
	Stream          string
	ExpectedVersion uint64
	ActualVersion   uint64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: (expected version %d, actual %d)",
		e.Stream, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// EventSerializationError reports an unknown event type or a malformed record.
// It is fatal for the record; the registry is not affected.
type EventSerializationError struct {
	EventType string
	Reason    string
	Err       error
}

func (e *EventSerializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *EventSerializationError) Unwrap() error { return e.Err }

func unknownEventTypeError(eventType string, schemaVersion int) *EventSerializationError {
	reason := "unknown event type: " + eventType
	if schemaVersion != DefaultSchemaVersion {
		reason = fmt.Sprintf("%s (schema version %d)", reason, schemaVersion)
	}
	return &EventSerializationError{EventType: eventType, Reason: reason}
}

// UnknownCommandError is a dispatch table miss for a command.
type UnknownCommandError struct {
	CommandType   string
	AggregateType string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("no handler for command %s on aggregate %s", e.CommandType, e.AggregateType)
}

// UnknownEventError is a dispatch table miss for an event.
type UnknownEventError struct {
	EventType     string
	AggregateType string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("no applier for event %s on aggregate %s", e.EventType, e.AggregateType)
}

// RepositoryError wraps unexpected failures of the event store, such as
// network errors or timeouts. Concurrency conflicts are never wrapped.
type RepositoryError struct {
	Op     string
	Stream string
	Err    error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s %q: %v", e.Op, e.Stream, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// WrapRepositoryError wraps err in a RepositoryError. Nil errors and
// concurrency conflicts are returned unchanged.
func WrapRepositoryError(op, stream string, err error) error {
	if err == nil {
		return nil
	}
	var conflict *ConcurrencyConflictError
	if errors.As(err, &conflict) {
		return conflict
	}
	return &RepositoryError{Op: op, Stream: stream, Err: err}
}

// IsConcurrencyConflict reports whether err is, or wraps, a ConcurrencyConflictError.
func IsConcurrencyConflict(err error) bool {
	var conflict *ConcurrencyConflictError
	return errors.As(err, &conflict)
}
