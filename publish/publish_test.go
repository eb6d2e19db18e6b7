package publish_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/eventstore/memory"
	"github.com/terraskye/aggregate/fixtures"
	"github.com/terraskye/aggregate/publish"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []aggregate.WireEvent
	err       error
	closed    bool
}

func (p *recordingPublisher) Publish(ctx context.Context, events []aggregate.WireEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, events...)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestWithPublisher_PublishesRecordedEvents(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	store := publish.WithPublisher(memory.NewMemoryStore(), pub, publish.WithLogger(quiet))
	repo := aggregate.NewRepository(fixtures.OrderDefinition, store, fixtures.NewOrderRegistry())

	root := repo.New()
	require.NoError(t, root.HandleCommand(ctx, fixtures.NewSubmitOrder().Build()))
	require.NoError(t, root.HandleCommand(ctx, fixtures.AddNote{OrderID: "order-1", Note: "n"}))
	require.NoError(t, repo.Save(ctx, root))

	require.Len(t, pub.published, 2)
	require.Equal(t, uint64(1), pub.published[0].GlobalPosition)
	require.NotZero(t, pub.published[1].RecordedTimeUnixMs)
}

func TestWithPublisher_SkipsFailedAppends(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	store := publish.WithPublisher(memory.NewMemoryStore(), pub, publish.WithLogger(quiet))
	records := fixtures.WireHistory(fixtures.NewOrderRegistry(), fixtures.OrderHistory("order-1", false))

	_, err := store.AppendEvents(ctx, "Order-order-1", records, aggregate.StreamExists{})
	require.ErrorIs(t, err, aggregate.ErrStreamNotFound)
	require.Empty(t, pub.published)
}

func TestWithPublisher_FailureIsNotAnAppendError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("broker down")
	pub := &recordingPublisher{err: boom}

	var handled error
	store := publish.WithPublisher(memory.NewMemoryStore(), pub,
		publish.WithLogger(quiet),
		publish.WithErrorHandler(func(ctx context.Context, events []aggregate.WireEvent, err error) {
			handled = err
		}),
	)
	records := fixtures.WireHistory(fixtures.NewOrderRegistry(), fixtures.OrderHistory("order-1", false))

	res, err := store.AppendEvents(ctx, "Order-order-1", records, aggregate.NoStream{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.NextExpectedVersion)
	require.ErrorIs(t, handled, boom)

	ok, err := store.StreamExists(ctx, "Order-order-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWithPublisher_DisconnectClosesPublisher(t *testing.T) {
	pub := &recordingPublisher{}
	store := publish.WithPublisher(memory.NewMemoryStore(), pub)
	require.NoError(t, store.Disconnect(context.Background()))
	require.True(t, pub.closed)
}

func TestCloudEventRoundTrip(t *testing.T) {
	ev := fixtures.WireHistory(fixtures.NewOrderRegistry(), fixtures.OrderHistory("order-1", false, "gift wrap"))[1]
	ev.GlobalPosition = 7
	ev.CorrelationID = "corr-1"
	ev.ActorID = "user-9"

	b, err := publish.EncodeCloudEvent(ev, "/orders")
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Equal(t, "1.0", raw["specversion"])
	require.Equal(t, fixtures.NoteAddedType, raw["type"])
	require.Equal(t, "Order-order-1", raw["subject"])
	require.Equal(t, "2", raw[publish.ExtAggregateNonce])

	var decoded cloudevents.Event
	require.NoError(t, json.Unmarshal(b, &decoded))
	got, err := publish.FromCloudEvent(decoded)
	require.NoError(t, err)

	require.Equal(t, ev.EventID, got.EventID)
	require.Equal(t, ev.AggregateNonce, got.AggregateNonce)
	require.Equal(t, ev.GlobalPosition, got.GlobalPosition)
	require.Equal(t, ev.SchemaVersion, got.SchemaVersion)
	require.Equal(t, ev.CorrelationID, got.CorrelationID)
	require.Equal(t, ev.ActorID, got.ActorID)
	require.Equal(t, ev.TimestampUnixMs, got.TimestampUnixMs)
	require.JSONEq(t, string(ev.Payload), string(got.Payload))

	env, err := fixtures.NewOrderRegistry().Deserialize(got)
	require.NoError(t, err)
	note, ok := env.Event().(*fixtures.NoteAdded)
	require.True(t, ok)
	require.Equal(t, "gift wrap", note.Note)
}

func TestToCloudEvent_RequiresSource(t *testing.T) {
	ev := fixtures.WireHistory(fixtures.NewOrderRegistry(), fixtures.OrderHistory("order-1", false))[0]
	_, err := publish.ToCloudEvent(ev, "")
	require.Error(t, err)
}
