package aggregate

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	now        = time.Now
	newEventID = uuid.NewV7
)

// Root is an aggregate instance: identity, version, state of type S and the
// queue of events applied since the last save. A Root is owned by a single
// writer; handing it to two concurrent command flows is rejected.
type Root[S any] struct {
	def      *Definition[S]
	id       string
	version  uint64
	state    S
	pending  []Envelope
	inFlight atomic.Bool
}

func (r *Root[S]) AggregateType() string { return r.def.aggregateType }

// AggregateID returns the identity of the aggregate, or "" while uninitialized.
func (r *Root[S]) AggregateID() string { return r.id }

// Identity returns the identity and whether it has been set.
func (r *Root[S]) Identity() (Identity, bool) {
	if r.id == "" {
		return Identity{}, false
	}
	return Identity{Type: r.def.aggregateType, ID: r.id}, true
}

func (r *Root[S]) IsInitialized() bool { return r.id != "" }

// Version returns the number of events folded into the state, including
// pending ones.
func (r *Root[S]) Version() uint64 { return r.version }

// PersistedVersion returns the version of the stream the pending events will
// be appended to.
func (r *Root[S]) PersistedVersion() uint64 { return r.version - uint64(len(r.pending)) }

// State returns the current state. Callers must treat it as read only.
func (r *Root[S]) State() S { return r.state }

// Initialize sets the identity of the aggregate. It is called once by the
// creation command handler.
func (r *Root[S]) Initialize(id string) error {
	if id == "" {
		return r.invalid("empty aggregate id")
	}
	if r.id != "" {
		return r.invalid(fmt.Sprintf("already initialized, cannot initialize as %q", id))
	}
	r.id = id
	return nil
}

// HandleCommand dispatches cmd to the handler registered for its type.
func (r *Root[S]) HandleCommand(ctx context.Context, cmd Command) error {
	if cmd == nil {
		return &UnknownCommandError{CommandType: TypeName(cmd), AggregateType: r.def.aggregateType}
	}
	name := CommandType(cmd)
	entry, ok := r.def.commands[name]
	if !ok {
		return &UnknownCommandError{CommandType: name, AggregateType: r.def.aggregateType}
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		return r.invalid("concurrent use: another command is being handled")
	}
	defer r.inFlight.Store(false)

	if r.id == "" && !entry.create {
		return r.invalid(fmt.Sprintf("not initialized, cannot handle %s", name))
	}
	if r.id != "" && cmd.AggregateID() != "" && cmd.AggregateID() != r.id {
		return r.invalid(fmt.Sprintf("command %s addressed to %q", name, cmd.AggregateID()))
	}
	return entry.handle(ctx, r, cmd)
}

// Apply records event: it builds the envelope with the next nonce, folds the
// event into the state and queues it for the next save. Causality fields and
// headers are taken from ctx and may be overridden with opts; identity and
// ordering fields cannot be overridden.
func (r *Root[S]) Apply(ctx context.Context, event Event, opts ...EnvelopeOption) error {
	if event == nil {
		return &UnknownEventError{EventType: TypeName(event), AggregateType: r.def.aggregateType}
	}
	eventType := event.EventType()
	entry, ok := r.def.events[eventType]
	if !ok {
		return &UnknownEventError{EventType: eventType, AggregateType: r.def.aggregateType}
	}

	id := r.id
	if init, ok := event.(InitializingEvent); ok {
		switch {
		case id == "":
			id = init.InitialAggregateID()
		case init.InitialAggregateID() != "" && init.InitialAggregateID() != id:
			return r.invalid(fmt.Sprintf("initializing event %s for %q", eventType, init.InitialAggregateID()))
		}
	}
	if id == "" {
		return r.invalid(fmt.Sprintf("not initialized, cannot apply %s", eventType))
	}

	eventID, err := newEventID()
	if err != nil {
		return fmt.Errorf("apply %s: generate event id: %w", eventType, err)
	}
	var md Metadata
	metadataFromContext(ctx, &md)
	for _, opt := range opts {
		opt(&md)
	}
	if md.Timestamp.IsZero() {
		md.Timestamp = now().UTC()
	}
	md.EventID = eventID
	md.AggregateID = id
	md.AggregateType = r.def.aggregateType
	md.AggregateNonce = r.version + 1
	md.ContentType = ContentTypeJSON
	md.GlobalPosition = 0
	md.RecordedTimestamp = time.Time{}
	md.ContentHash = ""

	state, err := entry.apply(r.state, event)
	if err != nil {
		return fmt.Errorf("apply %s to aggregate %s: %w", eventType, r.def.aggregateType, err)
	}

	r.id = id
	r.state = state
	r.version++
	r.pending = append(r.pending, Envelope{event: event, metadata: md})
	return nil
}

// Rehydrate folds persisted events into the aggregate in stream order. It
// never queues events. On error the aggregate is left unchanged.
func (r *Root[S]) Rehydrate(events []Envelope) error {
	if !r.inFlight.CompareAndSwap(false, true) {
		return r.invalid("concurrent use: rehydrate during command handling")
	}
	defer r.inFlight.Store(false)

	if len(r.pending) > 0 {
		return r.invalid(fmt.Sprintf("cannot rehydrate with %d uncommitted events", len(r.pending)))
	}

	id, version, state := r.id, r.version, r.state
	for _, env := range events {
		md := env.metadata
		if md.AggregateType != r.def.aggregateType {
			return r.invalid(fmt.Sprintf("rehydrate: event %s belongs to aggregate type %q", env.EventType(), md.AggregateType))
		}
		if id == "" {
			id = md.AggregateID
		} else if md.AggregateID != id {
			return r.invalid(fmt.Sprintf("rehydrate: event %s belongs to aggregate %q", env.EventType(), md.AggregateID))
		}
		if md.AggregateNonce != 0 && md.AggregateNonce != version+1 {
			return r.invalid(fmt.Sprintf("rehydrate: event %s has nonce %d, expected %d", env.EventType(), md.AggregateNonce, version+1))
		}
		entry, ok := r.def.events[env.EventType()]
		if !ok {
			return &UnknownEventError{EventType: env.EventType(), AggregateType: r.def.aggregateType}
		}
		next, err := entry.apply(state, env.event)
		if err != nil {
			return fmt.Errorf("rehydrate %s on aggregate %s: %w", env.EventType(), r.def.aggregateType, err)
		}
		state = next
		version++
	}
	r.id, r.version, r.state = id, version, state
	return nil
}

// UncommittedEvents returns the events applied since the last save.
func (r *Root[S]) UncommittedEvents() []Envelope {
	return slices.Clone(r.pending)
}

// MarkEventsAsCommitted clears the pending events. Only the Repository should
// call it, after a successful append.
func (r *Root[S]) MarkEventsAsCommitted() {
	r.pending = nil
}

func (r *Root[S]) invalid(reason string) error {
	return &InvalidAggregateStateError{AggregateType: r.def.aggregateType, AggregateID: r.id, Reason: reason}
}
