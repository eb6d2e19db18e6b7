package publish

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/types"

	"github.com/terraskye/aggregate"
)

// ContentTypeCloudEvents is the content type of a structured mode CloudEvent.
const ContentTypeCloudEvents = "application/cloudevents+json"

// CloudEvents extension attribute names, lowercase alphanumerics only.
const (
	ExtAggregateType  = "aggregatetype"
	ExtAggregateID    = "aggregateid"
	ExtAggregateNonce = "aggregatenonce"
	ExtGlobalPosition = "globalposition"
	ExtSchemaVersion  = "schemaversion"
	ExtCorrelationID  = "correlationid"
	ExtCausationID    = "causationid"
	ExtActorID        = "actorid"
	ExtTenantID       = "tenantid"
	ExtContentHash    = "contenthash"
)

// ToCloudEvent maps a committed record to a CloudEvent. The subject is the
// stream name.
func ToCloudEvent(ev aggregate.WireEvent, source string) (cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(ev.EventID)
	e.SetType(ev.EventType)
	e.SetSource(source)
	e.SetSubject(ev.StreamName())
	e.SetTime(time.UnixMilli(ev.TimestampUnixMs).UTC())
	e.SetExtension(ExtAggregateType, ev.AggregateType)
	e.SetExtension(ExtAggregateID, ev.AggregateID)
	e.SetExtension(ExtAggregateNonce, strconv.FormatUint(ev.AggregateNonce, 10))
	e.SetExtension(ExtGlobalPosition, strconv.FormatUint(ev.GlobalPosition, 10))
	e.SetExtension(ExtSchemaVersion, int32(ev.SchemaVersion))
	for name, value := range map[string]string{
		ExtCorrelationID: ev.CorrelationID,
		ExtCausationID:   ev.CausationID,
		ExtActorID:       ev.ActorID,
		ExtTenantID:      ev.TenantID,
		ExtContentHash:   ev.ContentHash,
	} {
		if value != "" {
			e.SetExtension(name, value)
		}
	}

	contentType := ev.ContentType
	if contentType == "" {
		contentType = aggregate.ContentTypeJSON
	}
	if err := e.SetData(contentType, ev.Payload); err != nil {
		return cloudevents.Event{}, fmt.Errorf("cloudevent %s: %w", ev.EventID, err)
	}
	if err := e.Validate(); err != nil {
		return cloudevents.Event{}, fmt.Errorf("cloudevent %s: %w", ev.EventID, err)
	}
	return e, nil
}

// EncodeCloudEvent returns the structured mode JSON encoding of ev.
func EncodeCloudEvent(ev aggregate.WireEvent, source string) ([]byte, error) {
	e, err := ToCloudEvent(ev, source)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cloudevent %s: %w", ev.EventID, err)
	}
	return b, nil
}

// FromCloudEvent is the inverse of ToCloudEvent. Headers and the recorded
// time are not carried by the CloudEvent and stay empty.
func FromCloudEvent(e cloudevents.Event) (aggregate.WireEvent, error) {
	ext := e.Extensions()
	str := func(name string) string {
		v, _ := ext[name].(string)
		return v
	}
	ev := aggregate.WireEvent{
		EventID:         e.ID(),
		EventType:       e.Type(),
		ContentType:     e.DataContentType(),
		AggregateType:   str(ExtAggregateType),
		AggregateID:     str(ExtAggregateID),
		TimestampUnixMs: e.Time().UnixMilli(),
		CorrelationID:   str(ExtCorrelationID),
		CausationID:     str(ExtCausationID),
		ActorID:         str(ExtActorID),
		TenantID:        str(ExtTenantID),
		ContentHash:     str(ExtContentHash),
		Payload:         e.Data(),
	}
	var err error
	if ev.AggregateNonce, err = strconv.ParseUint(str(ExtAggregateNonce), 10, 64); err != nil {
		return aggregate.WireEvent{}, fmt.Errorf("cloudevent %s: aggregate nonce: %w", e.ID(), err)
	}
	if p := str(ExtGlobalPosition); p != "" {
		if ev.GlobalPosition, err = strconv.ParseUint(p, 10, 64); err != nil {
			return aggregate.WireEvent{}, fmt.Errorf("cloudevent %s: global position: %w", e.ID(), err)
		}
	}
	ev.SchemaVersion = 1
	if v, ok := ext[ExtSchemaVersion]; ok {
		n, err := types.ToInteger(v)
		if err != nil {
			return aggregate.WireEvent{}, fmt.Errorf("cloudevent %s: schema version: %w", e.ID(), err)
		}
		ev.SchemaVersion = int(n)
	}
	return ev, nil
}
