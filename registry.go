package aggregate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"
)

// WireEvent is the serialized form of an Envelope exchanged with event stores.
// All fields are primitives; timestamps are unix milliseconds.
type WireEvent struct {
	EventID            string            `json:"eventId"`
	EventType          string            `json:"eventType"`
	SchemaVersion      int               `json:"schemaVersion"`
	ContentType        string            `json:"contentType"`
	AggregateID        string            `json:"aggregateId"`
	AggregateType      string            `json:"aggregateType"`
	AggregateNonce     uint64            `json:"aggregateNonce"`
	GlobalPosition     uint64            `json:"globalPosition"`
	TimestampUnixMs    int64             `json:"timestampUnixMs"`
	RecordedTimeUnixMs int64             `json:"recordedTimeUnixMs"`
	CorrelationID      string            `json:"correlationId,omitempty"`
	CausationID        string            `json:"causationId,omitempty"`
	ActorID            string            `json:"actorId,omitempty"`
	TenantID           string            `json:"tenantId,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	Payload            []byte            `json:"payload"`
	ContentHash        string            `json:"contentHash,omitempty"`
}

// StreamName returns the stream the record belongs to.
func (w WireEvent) StreamName() string { return StreamName(w.AggregateType, w.AggregateID) }

// Clone returns a deep copy of the record.
func (w WireEvent) Clone() WireEvent {
	w.Headers = maps.Clone(w.Headers)
	w.Payload = slices.Clone(w.Payload)
	return w
}

// EventFactory returns a fresh instance of an event type, ready to be decoded
// into. Both value and pointer instances are supported.
type EventFactory func() Event

type registryKey struct {
	eventType     string
	schemaVersion int
}

type registration struct {
	factory EventFactory
	goType  reflect.Type
}

// RegistryBuilder collects event registrations at process start. Build returns
// an immutable Registry.
type RegistryBuilder struct {
	entries map[registryKey]registration
	errs    []error
}

func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{entries: make(map[registryKey]registration)}
}

// Register adds a factory for eventType at schemaVersion. Registering the same
// Go type twice under one key is a no-op; registering a different type under a
// taken key is an error reported by Build.
func (b *RegistryBuilder) Register(eventType string, schemaVersion int, factory EventFactory) *RegistryBuilder {
	if eventType == "" {
		b.errs = append(b.errs, errors.New("register event: empty event type"))
		return b
	}
	if factory == nil {
		b.errs = append(b.errs, fmt.Errorf("register event %s: nil factory", eventType))
		return b
	}
	sample := factory()
	if sample == nil {
		b.errs = append(b.errs, fmt.Errorf("register event %s: factory returned nil", eventType))
		return b
	}
	if schemaVersion <= 0 {
		schemaVersion = DefaultSchemaVersion
	}
	key := registryKey{eventType: eventType, schemaVersion: schemaVersion}
	goType := reflect.TypeOf(sample)
	if existing, ok := b.entries[key]; ok {
		if existing.goType != goType {
			b.errs = append(b.errs, fmt.Errorf("register event %s (schema version %d): already registered as %s, got %s",
				eventType, schemaVersion, existing.goType, goType))
		}
		return b
	}
	b.entries[key] = registration{factory: factory, goType: goType}
	return b
}

// RegisterEvent registers E under the type and schema version it declares.
func RegisterEvent[E Event](b *RegistryBuilder) *RegistryBuilder {
	sample := newZero[E]()
	return b.Register(sample.EventType(), SchemaVersionOf(sample), func() Event { return newZero[E]() })
}

// Build validates the registrations and returns the registry.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("build event registry: %w", errors.Join(b.errs...))
	}
	return &Registry{entries: maps.Clone(b.entries)}, nil
}

// MustBuild is like Build but panics on error.
func (b *RegistryBuilder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// Registry maps wire event types to Go event types. It is immutable and safe
// for concurrent use.
type Registry struct {
	entries map[registryKey]registration
}

// Has reports whether eventType is registered at schemaVersion.
func (r *Registry) Has(eventType string, schemaVersion int) bool {
	_, ok := r.entries[registryKey{eventType: eventType, schemaVersion: schemaVersion}]
	return ok
}

// EventTypes returns the registered event types, sorted.
func (r *Registry) EventTypes() []string {
	seen := make(map[string]struct{}, len(r.entries))
	for k := range r.entries {
		seen[k.eventType] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Serialize converts env into its wire form.
func (r *Registry) Serialize(env Envelope) (WireEvent, error) {
	event := env.Event()
	if event == nil {
		return WireEvent{}, &EventSerializationError{Reason: "envelope without event"}
	}
	eventType := event.EventType()
	version := SchemaVersionOf(event)
	if !r.Has(eventType, version) {
		return WireEvent{}, unknownEventTypeError(eventType, version)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return WireEvent{}, &EventSerializationError{EventType: eventType, Reason: "marshal payload of " + eventType, Err: err}
	}

	md := env.metadata
	contentType := md.ContentType
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	return WireEvent{
		EventID:            md.EventID.String(),
		EventType:          eventType,
		SchemaVersion:      version,
		ContentType:        contentType,
		AggregateID:        md.AggregateID,
		AggregateType:      md.AggregateType,
		AggregateNonce:     md.AggregateNonce,
		GlobalPosition:     md.GlobalPosition,
		TimestampUnixMs:    unixMilli(md.Timestamp),
		RecordedTimeUnixMs: unixMilli(md.RecordedTimestamp),
		CorrelationID:      md.CorrelationID,
		CausationID:        md.CausationID,
		ActorID:            md.ActorID,
		TenantID:           md.TenantID,
		Headers:            maps.Clone(md.Headers),
		Payload:            payload,
		ContentHash:        ContentHash(payload),
	}, nil
}

// Deserialize converts a wire record back into an Envelope.
func (r *Registry) Deserialize(w WireEvent) (Envelope, error) {
	version := w.SchemaVersion
	if version <= 0 {
		version = DefaultSchemaVersion
	}
	reg, ok := r.entries[registryKey{eventType: w.EventType, schemaVersion: version}]
	if !ok {
		return Envelope{}, unknownEventTypeError(w.EventType, version)
	}
	if w.ContentType != "" && w.ContentType != ContentTypeJSON {
		return Envelope{}, &EventSerializationError{EventType: w.EventType, Reason: "unsupported content type " + w.ContentType}
	}
	if w.ContentHash != "" && w.ContentHash != ContentHash(w.Payload) {
		return Envelope{}, &EventSerializationError{EventType: w.EventType, Reason: "content hash mismatch for event " + w.EventID}
	}
	eventID, err := uuid.Parse(w.EventID)
	if err != nil {
		return Envelope{}, &EventSerializationError{EventType: w.EventType, Reason: "invalid event id " + w.EventID, Err: err}
	}

	event, err := decodeEvent(reg, w.Payload)
	if err != nil {
		return Envelope{}, &EventSerializationError{EventType: w.EventType, Reason: "malformed payload of " + w.EventType, Err: err}
	}

	contentType := w.ContentType
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	return Envelope{
		event: event,
		metadata: Metadata{
			EventID:           eventID,
			Timestamp:         fromUnixMilli(w.TimestampUnixMs),
			RecordedTimestamp: fromUnixMilli(w.RecordedTimeUnixMs),
			AggregateID:       w.AggregateID,
			AggregateType:     w.AggregateType,
			AggregateNonce:    w.AggregateNonce,
			GlobalPosition:    w.GlobalPosition,
			ContentType:       contentType,
			CorrelationID:     w.CorrelationID,
			CausationID:       w.CausationID,
			ActorID:           w.ActorID,
			TenantID:          w.TenantID,
			Headers:           maps.Clone(w.Headers),
			ContentHash:       w.ContentHash,
		},
	}, nil
}

// DeserializeAll deserializes records in order, stopping at the first failure.
func (r *Registry) DeserializeAll(records []WireEvent) ([]Envelope, error) {
	envelopes := make([]Envelope, 0, len(records))
	for _, w := range records {
		env, err := r.Deserialize(w)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// decodeEvent unmarshals payload into a fresh instance from the factory,
// keeping the registered value or pointer kind.
func decodeEvent(reg registration, payload []byte) (Event, error) {
	if reg.goType.Kind() == reflect.Pointer {
		event := reg.factory()
		if err := json.Unmarshal(payload, event); err != nil {
			return nil, err
		}
		return event, nil
	}
	target := reflect.New(reg.goType)
	if err := json.Unmarshal(payload, target.Interface()); err != nil {
		return nil, err
	}
	return target.Elem().Interface().(Event), nil
}

// ContentHash returns the sha256 digest of payload as "sha256:<hex>".
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
