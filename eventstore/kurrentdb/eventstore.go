package kurrentdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"

	"github.com/terraskye/aggregate"
)

// metadata carries the record fields KurrentDB has no native slot for.
type metadata struct {
	AggregateType   string            `json:"aggregateType"`
	AggregateID     string            `json:"aggregateId"`
	SchemaVersion   int               `json:"schemaVersion"`
	TimestampUnixMs int64             `json:"timestampUnixMs"`
	CorrelationID   string            `json:"correlationId,omitempty"`
	CausationID     string            `json:"causationId,omitempty"`
	ActorID         string            `json:"actorId,omitempty"`
	TenantID        string            `json:"tenantId,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	ContentHash     string            `json:"contentHash,omitempty"`
}

// readToEnd is the read count that streams every remaining event.
const readToEnd uint64 = math.MaxUint64

type eventstore struct {
	mu     sync.RWMutex
	client *kurrentdb.Client
	dsn    string
	owned  bool
}

// NewEventStore creates a KurrentDB backed store on an existing client.
// Disconnect does not close db.
func NewEventStore(db *kurrentdb.Client) aggregate.EventStoreClient {
	return &eventstore{client: db}
}

// Open returns a store that connects with the given connection string on
// Connect, e.g. "kurrentdb://localhost:2113?tls=false".
func Open(dsn string) aggregate.EventStoreClient {
	return &eventstore{dsn: dsn}
}

func (e *eventstore) conn() (*kurrentdb.Client, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.client == nil {
		return nil, aggregate.ErrNotConnected
	}
	return e.client, nil
}

func (e *eventstore) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	cfg, err := kurrentdb.ParseConnectionString(e.dsn)
	if err != nil {
		return fmt.Errorf("parse kurrentdb connection string: %w", err)
	}
	client, err := kurrentdb.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("connect kurrentdb: %w", err)
	}
	e.client = client
	e.owned = true
	return nil
}

func (e *eventstore) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.owned || e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	e.owned = false
	return err
}

func (e *eventstore) AppendEvents(ctx context.Context, stream string, events []aggregate.WireEvent, expected aggregate.Revision) (aggregate.AppendResult, error) {
	client, err := e.conn()
	if err != nil {
		return aggregate.AppendResult{}, err
	}
	if len(events) == 0 {
		current, err := currentVersion(ctx, client, stream)
		if err != nil {
			return aggregate.AppendResult{}, err
		}
		if err := aggregate.CheckRevision(stream, expected, current); err != nil {
			return aggregate.AppendResult{}, err
		}
		return aggregate.AppendResult{NextExpectedVersion: current}, nil
	}

	state, base, err := streamState(stream, events, expected)
	if err != nil {
		return aggregate.AppendResult{}, err
	}
	if state == nil {
		// the batch starts the stream but the caller requires it to exist
		current, err := currentVersion(ctx, client, stream)
		if err != nil {
			return aggregate.AppendResult{}, err
		}
		if err := aggregate.CheckRevision(stream, expected, current); err != nil {
			return aggregate.AppendResult{}, err
		}
		return aggregate.AppendResult{}, &aggregate.ConcurrencyConflictError{Stream: stream, ExpectedVersion: base, ActualVersion: current}
	}

	data := make([]kurrentdb.EventData, len(events))
	for i, ev := range events {
		if data[i], err = toEventData(ev); err != nil {
			return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: %w", stream, err)
		}
	}

	res, err := client.AppendToStream(ctx, stream, kurrentdb.AppendToStreamOptions{StreamState: state}, data...)
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeWrongExpectedVersion) {
			actual, rerr := currentVersion(ctx, client, stream)
			if rerr != nil {
				actual = base
			}
			return aggregate.AppendResult{}, &aggregate.ConcurrencyConflictError{Stream: stream, ExpectedVersion: base, ActualVersion: actual}
		}
		return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: %w", stream, err)
	}

	recorded, err := readStream(ctx, client, stream, base+1)
	if err != nil {
		return aggregate.AppendResult{}, err
	}
	if len(recorded) > len(events) {
		recorded = recorded[:len(events)]
	}
	return aggregate.AppendResult{
		NextExpectedVersion: res.NextExpectedVersion + 1,
		LastGlobalPosition:  res.CommitPosition,
		Recorded:            recorded,
	}, nil
}

// streamState maps the expected revision and the first nonce of the batch to
// a KurrentDB stream state. base is the stream version the batch builds on.
// A nil state means the batch can never satisfy StreamExists.
func streamState(stream string, events []aggregate.WireEvent, expected aggregate.Revision) (kurrentdb.StreamState, uint64, error) {
	first := events[0].AggregateNonce
	if first == 0 {
		return nil, 0, fmt.Errorf("stream %q: nonce must start at 1: %w", stream, aggregate.ErrInvalidEventBatch)
	}
	base := first - 1
	switch r := expected.(type) {
	case aggregate.ExplicitRevision:
		if uint64(r) != base {
			return nil, 0, &aggregate.ConcurrencyConflictError{Stream: stream, ExpectedVersion: uint64(r), ActualVersion: base}
		}
	case aggregate.NoStream:
		if base != 0 {
			return nil, 0, fmt.Errorf("stream %q: first nonce %d for a new stream: %w", stream, first, aggregate.ErrInvalidEventBatch)
		}
	case aggregate.StreamExists:
		if base == 0 {
			return nil, 0, nil
		}
	case nil, aggregate.Any:
	default:
		return nil, 0, fmt.Errorf("stream %q: %T: %w", stream, expected, aggregate.ErrInvalidRevision)
	}
	if err := aggregate.ValidateAppend(stream, events, base); err != nil {
		return nil, 0, err
	}
	if base == 0 {
		return kurrentdb.NoStream{}, base, nil
	}
	return kurrentdb.StreamRevision{Value: base - 1}, base, nil
}

func (e *eventstore) ReadEvents(ctx context.Context, stream string, fromVersion uint64) ([]aggregate.WireEvent, error) {
	client, err := e.conn()
	if err != nil {
		return nil, err
	}
	return readStream(ctx, client, stream, fromVersion)
}

// forwardsFrom maps a 1-based stream version to the options of a forward
// read from that version on.
func forwardsFrom(fromVersion uint64) kurrentdb.ReadStreamOptions {
	from := uint64(0)
	if fromVersion > 1 {
		from = fromVersion - 1
	}
	return kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Forwards,
		From:      kurrentdb.StreamRevision{Value: from},
	}
}

func readStream(ctx context.Context, client *kurrentdb.Client, stream string, fromVersion uint64) ([]aggregate.WireEvent, error) {
	streamer, err := client.ReadStream(ctx, stream, forwardsFrom(fromVersion), readToEnd)
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return []aggregate.WireEvent{}, nil
		}
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	defer streamer.Close()

	events := []aggregate.WireEvent{}
	for {
		resolved, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
				return []aggregate.WireEvent{}, nil
			}
			return nil, fmt.Errorf("read stream %q: %w", stream, err)
		}
		ev, err := fromRecorded(resolved.Event)
		if err != nil {
			return nil, fmt.Errorf("read stream %q: %w", stream, err)
		}
		events = append(events, ev)
	}
}

func (e *eventstore) StreamExists(ctx context.Context, stream string) (bool, error) {
	client, err := e.conn()
	if err != nil {
		return false, err
	}
	current, err := currentVersion(ctx, client, stream)
	if err != nil {
		return false, err
	}
	return current > 0, nil
}

// currentVersion reads the last event of stream; 0 means the stream is empty.
func currentVersion(ctx context.Context, client *kurrentdb.Client, stream string) (uint64, error) {
	streamer, err := client.ReadStream(ctx, stream, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Backwards,
		From:      kurrentdb.End{},
	}, 1)
	if err != nil {
		if hasCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read stream %q: %w", stream, err)
	}
	defer streamer.Close()

	resolved, err := streamer.Recv()
	switch {
	case errors.Is(err, io.EOF), hasCode(err, kurrentdb.ErrorCodeResourceNotFound):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read stream %q: %w", stream, err)
	}
	return resolved.Event.EventNumber + 1, nil
}

// ReadAll returns up to limit events of all streams from the given commit
// position on. System events are skipped.
func (e *eventstore) ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]aggregate.WireEvent, error) {
	client, err := e.conn()
	if err != nil {
		return nil, err
	}
	streamer, err := client.ReadAll(ctx, kurrentdb.ReadAllOptions{
		Direction: kurrentdb.Forwards,
		From:      kurrentdb.Position{Commit: fromPosition, Prepare: fromPosition},
	}, readToEnd)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	defer streamer.Close()

	events := []aggregate.WireEvent{}
	for limit <= 0 || len(events) < limit {
		resolved, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read all: %w", err)
		}
		if resolved.Event == nil || strings.HasPrefix(resolved.Event.EventType, "$") {
			continue
		}
		ev, err := fromRecorded(resolved.Event)
		if err != nil {
			return nil, fmt.Errorf("read all: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func toEventData(ev aggregate.WireEvent) (kurrentdb.EventData, error) {
	id, err := uuid.Parse(ev.EventID)
	if err != nil {
		return kurrentdb.EventData{}, fmt.Errorf("event id %q: %w", ev.EventID, err)
	}
	meta, err := json.Marshal(metadata{
		AggregateType:   ev.AggregateType,
		AggregateID:     ev.AggregateID,
		SchemaVersion:   ev.SchemaVersion,
		TimestampUnixMs: ev.TimestampUnixMs,
		CorrelationID:   ev.CorrelationID,
		CausationID:     ev.CausationID,
		ActorID:         ev.ActorID,
		TenantID:        ev.TenantID,
		Headers:         ev.Headers,
		ContentHash:     ev.ContentHash,
	})
	if err != nil {
		return kurrentdb.EventData{}, err
	}
	contentType := kurrentdb.ContentTypeBinary
	if ev.ContentType == "" || ev.ContentType == aggregate.ContentTypeJSON {
		contentType = kurrentdb.ContentTypeJson
	}
	return kurrentdb.EventData{
		EventID:     id,
		EventType:   ev.EventType,
		ContentType: contentType,
		Data:        ev.Payload,
		Metadata:    meta,
	}, nil
}

func fromRecorded(rec *kurrentdb.RecordedEvent) (aggregate.WireEvent, error) {
	var meta metadata
	if len(rec.UserMetadata) > 0 {
		if err := json.Unmarshal(rec.UserMetadata, &meta); err != nil {
			return aggregate.WireEvent{}, fmt.Errorf("decode metadata of %s: %w", rec.EventID, err)
		}
	}
	contentType := aggregate.ContentTypeJSON
	if rec.ContentType != "" && rec.ContentType != "application/json" {
		contentType = rec.ContentType
	}
	return aggregate.WireEvent{
		EventID:            rec.EventID.String(),
		EventType:          rec.EventType,
		SchemaVersion:      meta.SchemaVersion,
		ContentType:        contentType,
		AggregateID:        meta.AggregateID,
		AggregateType:      meta.AggregateType,
		AggregateNonce:     rec.EventNumber + 1,
		GlobalPosition:     rec.Position.Commit,
		TimestampUnixMs:    meta.TimestampUnixMs,
		RecordedTimeUnixMs: rec.CreatedDate.UnixMilli(),
		CorrelationID:      meta.CorrelationID,
		CausationID:        meta.CausationID,
		ActorID:            meta.ActorID,
		TenantID:           meta.TenantID,
		Headers:            meta.Headers,
		Payload:            rec.Data,
		ContentHash:        meta.ContentHash,
	}, nil
}

func hasCode(err error, code kurrentdb.ErrorCode) bool {
	var kerr *kurrentdb.Error
	return errors.As(err, &kerr) && kerr.Code() == code
}
