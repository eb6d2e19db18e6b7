package fixtures

import (
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/aggregate"
)

// FixedTime is the timestamp used by the envelope builders.
var FixedTime = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// OrderEnvelope wraps event as the nonce-th event of order id.
func OrderEnvelope(id string, nonce uint64, event aggregate.Event) aggregate.Envelope {
	return aggregate.NewEnvelope(event, aggregate.Metadata{
		EventID:        uuid.Must(uuid.NewV7()),
		Timestamp:      FixedTime.Add(time.Duration(nonce) * time.Second),
		AggregateID:    id,
		AggregateType:  OrderAggregateType,
		AggregateNonce: nonce,
		ContentType:    aggregate.ContentTypeJSON,
	})
}

// OrderHistory returns the envelopes of an order that was submitted, received
// the given notes and, if cancelled is set, was cancelled.
func OrderHistory(id string, cancelled bool, notes ...string) []aggregate.Envelope {
	events := []aggregate.Event{OrderSubmitted{OrderID: id, CustomerID: "customer-1", Total: 4200}}
	for _, n := range notes {
		events = append(events, &NoteAdded{OrderID: id, Note: n})
	}
	if cancelled {
		events = append(events, OrderCancelled{OrderID: id, Reason: "changed mind"})
	}
	envelopes := make([]aggregate.Envelope, len(events))
	for i, e := range events {
		envelopes[i] = OrderEnvelope(id, uint64(i)+1, e)
	}
	return envelopes
}

// WireHistory serializes envelopes with registry, panicking on failure.
func WireHistory(registry *aggregate.Registry, envelopes []aggregate.Envelope) []aggregate.WireEvent {
	records := make([]aggregate.WireEvent, len(envelopes))
	for i, env := range envelopes {
		w, err := registry.Serialize(env)
		if err != nil {
			panic(err)
		}
		records[i] = w
	}
	return records
}
