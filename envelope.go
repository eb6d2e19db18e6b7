package aggregate

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// ContentTypeJSON is the content type of payloads produced by the Registry.
const ContentTypeJSON = "application/json"

// Metadata describes identity, ordering and causality of a single event.
type Metadata struct {
	// EventID is globally unique and time sortable (UUIDv7).
	EventID uuid.UUID
	// Timestamp is assigned by the client when the event is applied.
	Timestamp time.Time
	// RecordedTimestamp is assigned by the store when the event is persisted.
	RecordedTimestamp time.Time

	AggregateID   string
	AggregateType string
	// AggregateNonce is the 1-based position of the event within its stream.
	AggregateNonce uint64
	// GlobalPosition is assigned by the store and is monotonic across streams.
	GlobalPosition uint64

	ContentType   string
	CorrelationID string
	CausationID   string
	ActorID       string
	TenantID      string
	Headers       map[string]string
	ContentHash   string
}

// StreamName returns the name of the stream the event belongs to.
func (m Metadata) StreamName() string { return StreamName(m.AggregateType, m.AggregateID) }

func (m Metadata) clone() Metadata {
	m.Headers = maps.Clone(m.Headers)
	return m
}

// Envelope pairs a domain event with its metadata. Envelopes are values; the
// accessors never hand out references to internal mutable state.
type Envelope struct {
	event    Event
	metadata Metadata
}

// NewEnvelope creates an envelope. The headers map is copied.
func NewEnvelope(event Event, metadata Metadata) Envelope {
	return Envelope{event: event, metadata: metadata.clone()}
}

func (e Envelope) Event() Event { return e.event }

// Metadata returns a copy of the envelope metadata.
func (e Envelope) Metadata() Metadata { return e.metadata.clone() }

func (e Envelope) EventType() string {
	if e.event == nil {
		return ""
	}
	return e.event.EventType()
}

func (e Envelope) EventID() uuid.UUID     { return e.metadata.EventID }
func (e Envelope) AggregateID() string    { return e.metadata.AggregateID }
func (e Envelope) AggregateType() string  { return e.metadata.AggregateType }
func (e Envelope) AggregateNonce() uint64 { return e.metadata.AggregateNonce }
func (e Envelope) GlobalPosition() uint64 { return e.metadata.GlobalPosition }
func (e Envelope) StreamName() string     { return e.metadata.StreamName() }

// Header returns a single header value.
func (e Envelope) Header(key string) (string, bool) {
	v, ok := e.metadata.Headers[key]
	return v, ok
}

// EnvelopeOption customizes the metadata of an event while it is applied.
// Options cannot change identity or ordering fields.
type EnvelopeOption func(*Metadata)

// WithHeader sets a single header.
func WithHeader(key, value string) EnvelopeOption {
	return func(m *Metadata) {
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
		m.Headers[key] = value
	}
}

func WithCorrelation(id string) EnvelopeOption {
	return func(m *Metadata) { m.CorrelationID = id }
}

func WithCausation(id string) EnvelopeOption {
	return func(m *Metadata) { m.CausationID = id }
}

func WithActor(id string) EnvelopeOption {
	return func(m *Metadata) { m.ActorID = id }
}

func WithTenant(id string) EnvelopeOption {
	return func(m *Metadata) { m.TenantID = id }
}

// WithTimestamp overrides the client timestamp.
func WithTimestamp(t time.Time) EnvelopeOption {
	return func(m *Metadata) { m.Timestamp = t }
}
