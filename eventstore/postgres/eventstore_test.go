package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/fixtures"
)

const stream = "Order-order-1"

var recordedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

var eventColumns = []string{
	"global_position", "event_id", "aggregate_type", "aggregate_id", "aggregate_nonce",
	"event_type", "schema_version", "content_type", "payload", "content_hash",
	"correlation_id", "causation_id", "actor_id", "tenant_id", "headers",
	"timestamp_ms", "recorded_at_ms",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock, WithClock(func() time.Time { return recordedAt })), mock
}

func orderRecords(t *testing.T) []aggregate.WireEvent {
	t.Helper()
	return fixtures.WireHistory(fixtures.NewOrderRegistry(), fixtures.OrderHistory("order-1", false, "gift wrap"))
}

func expectLock(mock pgxmock.PgxPoolIface, current int64) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockStreamSQL)).
		WithArgs(stream).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(regexp.QuoteMeta(currentNonceSQL)).
		WithArgs(stream).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(current))
}

func expectPositionLock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec(regexp.QuoteMeta(lockPositionSQL)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func insertArgs(ev aggregate.WireEvent) []any {
	return []any{
		ev.EventID, stream, ev.AggregateType, ev.AggregateID, int64(ev.AggregateNonce),
		ev.EventType, ev.SchemaVersion, ev.ContentType, ev.Payload, ev.ContentHash,
		ev.CorrelationID, ev.CausationID, ev.ActorID, ev.TenantID, pgxmock.AnyArg(),
		ev.TimestampUnixMs, recordedAt.UnixMilli(),
	}
}

func TestStore_AppendEvents(t *testing.T) {
	store, mock := newMockStore(t)
	records := orderRecords(t)

	expectLock(mock, 0)
	expectPositionLock(mock)
	for i, ev := range records {
		mock.ExpectQuery(regexp.QuoteMeta(insertEventSQL)).
			WithArgs(insertArgs(ev)...).
			WillReturnRows(pgxmock.NewRows([]string{"global_position"}).AddRow(int64(10 + i)))
	}
	mock.ExpectCommit()

	res, err := store.AppendEvents(context.Background(), stream, records, aggregate.NoStream{})
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.NextExpectedVersion)
	require.Equal(t, uint64(11), res.LastGlobalPosition)
	require.Len(t, res.Recorded, 2)
	require.Equal(t, recordedAt.UnixMilli(), res.Recorded[0].RecordedTimeUnixMs)
	require.Zero(t, records[0].GlobalPosition, "input batch must not be modified")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendEvents_RevisionMismatch(t *testing.T) {
	store, mock := newMockStore(t)

	expectLock(mock, 3)
	mock.ExpectRollback()

	_, err := store.AppendEvents(context.Background(), stream, orderRecords(t), aggregate.ExplicitRevision(0))
	var conflict *aggregate.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, uint64(0), conflict.ExpectedVersion)
	require.Equal(t, uint64(3), conflict.ActualVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendEvents_UniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	records := orderRecords(t)

	expectLock(mock, 0)
	expectPositionLock(mock)
	mock.ExpectQuery(regexp.QuoteMeta(insertEventSQL)).
		WithArgs(insertArgs(records[0])...).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "events_stream_nonce_key"})
	mock.ExpectRollback()

	_, err := store.AppendEvents(context.Background(), stream, records, aggregate.ExplicitRevision(0))
	require.True(t, aggregate.IsConcurrencyConflict(err), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendEvents_PositionLockFails(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("lock timeout")

	expectLock(mock, 0)
	mock.ExpectExec(regexp.QuoteMeta(lockPositionSQL)).WillReturnError(boom)
	mock.ExpectRollback()

	_, err := store.AppendEvents(context.Background(), stream, orderRecords(t), aggregate.NoStream{})
	require.ErrorIs(t, err, boom)
	require.False(t, aggregate.IsConcurrencyConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendEvents_InvalidBatch(t *testing.T) {
	store, mock := newMockStore(t)
	records := orderRecords(t)
	records[1].AggregateNonce = 5

	expectLock(mock, 0)
	mock.ExpectRollback()

	_, err := store.AppendEvents(context.Background(), stream, records, aggregate.Any{})
	require.ErrorIs(t, err, aggregate.ErrInvalidEventBatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendEvents_BeginFails(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectBegin().WillReturnError(boom)

	_, err := store.AppendEvents(context.Background(), stream, orderRecords(t), aggregate.Any{})
	require.ErrorIs(t, err, boom)
	require.False(t, aggregate.IsConcurrencyConflict(err))
}

func TestStore_ReadEvents(t *testing.T) {
	store, mock := newMockStore(t)
	records := orderRecords(t)

	rows := pgxmock.NewRows(eventColumns)
	for i, ev := range records {
		rows.AddRow(int64(i+1), ev.EventID, ev.AggregateType, ev.AggregateID, int64(ev.AggregateNonce),
			ev.EventType, ev.SchemaVersion, ev.ContentType, ev.Payload, ev.ContentHash,
			ev.CorrelationID, ev.CausationID, ev.ActorID, ev.TenantID, []byte(`{"source":"test"}`),
			ev.TimestampUnixMs, recordedAt.UnixMilli())
	}
	mock.ExpectQuery(regexp.QuoteMeta(readStreamSQL)).WithArgs(stream, int64(1)).WillReturnRows(rows)

	got, err := store.ReadEvents(context.Background(), stream, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, records[1].EventID, got[1].EventID)
	require.Equal(t, uint64(2), got[1].AggregateNonce)
	require.Equal(t, map[string]string{"source": "test"}, got[0].Headers)

	_, err = fixtures.NewOrderRegistry().DeserializeAll(got)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ReadEvents_Empty(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(readStreamSQL)).WithArgs(stream, int64(1)).WillReturnRows(pgxmock.NewRows(eventColumns))

	got, err := store.ReadEvents(context.Background(), stream, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestStore_StreamExists(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(streamExistsSQL)).WithArgs(stream).WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.StreamExists(context.Background(), stream)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_ReadAll_DefaultLimit(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(readAllSQL)).WithArgs(int64(5), defaultReadLimit).WillReturnRows(pgxmock.NewRows(eventColumns))

	got, err := store.ReadAll(context.Background(), 5, 0)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_NotConnected(t *testing.T) {
	store := Open("postgres://localhost/events")
	_, err := store.ReadEvents(context.Background(), stream, 1)
	require.ErrorIs(t, err, aggregate.ErrNotConnected)
	_, err = store.AppendEvents(context.Background(), stream, nil, aggregate.Any{})
	require.ErrorIs(t, err, aggregate.ErrNotConnected)
}

func TestStore_ConnectPings(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectPing()

	require.NoError(t, store.Connect(context.Background()))
	require.NoError(t, store.Disconnect(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ConnectPingFails(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection refused")
	mock.ExpectPing().WillReturnError(boom)

	err := store.Connect(context.Background())
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DisconnectKeepsInjectedPool(t *testing.T) {
	store, mock := newMockStore(t)
	require.NoError(t, store.Disconnect(context.Background()))

	mock.ExpectQuery(regexp.QuoteMeta(streamExistsSQL)).WithArgs(stream).WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	ok, err := store.StreamExists(context.Background(), stream)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
