package aggregate

import (
	"reflect"
)

// DefaultSchemaVersion is the schema version of events that do not declare one.
const DefaultSchemaVersion = 1

// Event is a domain event describing a change that has happened to an aggregate.
// EventType is the discriminant used on the wire and for applier dispatch, a
// dotted business name such as "order.submitted".
type Event interface {
	EventType() string
}

// SchemaVersioned is implemented by events that carry an explicit schema version.
type SchemaVersioned interface {
	SchemaVersion() int
}

// InitializingEvent is an event that may be applied to an aggregate which has
// no identity yet. Applying it sets the identity to InitialAggregateID.
type InitializingEvent interface {
	Event
	InitialAggregateID() string
}

// SchemaVersionOf returns the schema version declared by the event, or
// DefaultSchemaVersion.
func SchemaVersionOf(event Event) int {
	if v, ok := event.(SchemaVersioned); ok && v.SchemaVersion() > 0 {
		return v.SchemaVersion()
	}
	return DefaultSchemaVersion
}

// TypeName returns the runtime type name of v, e.g. "fixtures.SubmitOrder" or
// "*fixtures.SubmitOrder".
func TypeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}

// newZero returns a usable zero value of T. For pointer types a pointer to a
// fresh zero element is returned instead of nil.
func newZero[T any]() T {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(T)
	}
	var zero T
	return zero
}
