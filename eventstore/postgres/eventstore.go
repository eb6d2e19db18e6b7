package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terraskye/aggregate"
)

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool used by Store.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

const (
	lockStreamSQL    = `SELECT pg_advisory_xact_lock(hashtext($1))`
	lockPositionSQL  = `SELECT pg_advisory_xact_lock(0, 0)`
	currentNonceSQL  = `SELECT COALESCE(MAX(aggregate_nonce), 0) FROM events WHERE stream_name = $1`
	streamExistsSQL  = `SELECT EXISTS(SELECT 1 FROM events WHERE stream_name = $1)`
	insertEventSQL   = `INSERT INTO events (event_id, stream_name, aggregate_type, aggregate_id, aggregate_nonce, event_type, schema_version, content_type, payload, content_hash, correlation_id, causation_id, actor_id, tenant_id, headers, timestamp_ms, recorded_at_ms) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17) RETURNING global_position`
	selectColumns    = `SELECT global_position, event_id::text, aggregate_type, aggregate_id, aggregate_nonce, event_type, schema_version, content_type, payload, content_hash, correlation_id, causation_id, actor_id, tenant_id, headers, timestamp_ms, recorded_at_ms FROM events`
	readStreamSQL    = selectColumns + ` WHERE stream_name = $1 AND aggregate_nonce >= $2 ORDER BY aggregate_nonce`
	readAllSQL       = selectColumns + ` WHERE global_position >= $1 ORDER BY global_position LIMIT $2`
	defaultReadLimit = 1000
)

// Store is an EventStoreClient on a PostgreSQL events table. Appends to one
// stream are serialized with a transaction scoped advisory lock; the unique
// (stream_name, aggregate_nonce) constraint backs the optimistic check.
//
// Global positions come from a sequence, which hands out values before
// commit. A second advisory lock, taken after the stream lock and held until
// commit, keeps commits in position order so a reader tracking ReadAll by
// checkpoint never skips a position that becomes visible later.
type Store struct {
	mu    sync.RWMutex
	db    DB
	dsn   string
	owned bool
	clock func() time.Time
}

type Option func(*Store)

// WithClock sets the clock used for recorded timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New returns a store on an existing connection pool. Disconnect does not
// close db.
func New(db DB, opts ...Option) *Store {
	s := &Store{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns a store that creates its own pool from dsn on Connect.
func Open(dsn string, opts ...Option) *Store {
	s := New(nil, opts...)
	s.dsn = dsn
	return s
}

func (s *Store) conn() (DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, aggregate.ErrNotConnected
	}
	return s.db, nil
}

func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		cfg, err := pgxpool.ParseConfig(s.dsn)
		if err != nil {
			return fmt.Errorf("parse postgres dsn: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		s.db = pool
		s.owned = true
	}
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned && s.db != nil {
		s.db.Close()
		s.db = nil
		s.owned = false
	}
	return nil
}

func (s *Store) AppendEvents(ctx context.Context, stream string, events []aggregate.WireEvent, expected aggregate.Revision) (result aggregate.AppendResult, err error) {
	db, err := s.conn()
	if err != nil {
		return aggregate.AppendResult{}, err
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: begin: %w", stream, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, lockStreamSQL, stream); err != nil {
		return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: lock: %w", stream, err)
	}
	var current int64
	if err = tx.QueryRow(ctx, currentNonceSQL, stream).Scan(&current); err != nil {
		return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: current version: %w", stream, err)
	}
	if err = aggregate.CheckRevision(stream, expected, uint64(current)); err != nil {
		return aggregate.AppendResult{}, err
	}
	if err = aggregate.ValidateAppend(stream, events, uint64(current)); err != nil {
		return aggregate.AppendResult{}, err
	}
	if _, err = tx.Exec(ctx, lockPositionSQL); err != nil {
		return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: lock positions: %w", stream, err)
	}

	recorded := s.clock().UnixMilli()
	result.Recorded = make([]aggregate.WireEvent, 0, len(events))
	for _, ev := range events {
		ev = ev.Clone()
		ev.RecordedTimeUnixMs = recorded
		headers, merr := encodeHeaders(ev.Headers)
		if merr != nil {
			err = merr
			return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: %w", stream, err)
		}
		var position int64
		err = tx.QueryRow(ctx, insertEventSQL,
			ev.EventID, stream, ev.AggregateType, ev.AggregateID, int64(ev.AggregateNonce),
			ev.EventType, ev.SchemaVersion, ev.ContentType, ev.Payload, ev.ContentHash,
			ev.CorrelationID, ev.CausationID, ev.ActorID, ev.TenantID, headers,
			ev.TimestampUnixMs, ev.RecordedTimeUnixMs,
		).Scan(&position)
		if err != nil {
			return aggregate.AppendResult{}, s.mapInsertError(stream, uint64(current), expected, err)
		}
		ev.GlobalPosition = uint64(position)
		result.Recorded = append(result.Recorded, ev)
	}

	if err = tx.Commit(ctx); err != nil {
		return aggregate.AppendResult{}, s.mapInsertError(stream, uint64(current), expected, err)
	}
	result.NextExpectedVersion = uint64(current) + uint64(len(events))
	if n := len(result.Recorded); n > 0 {
		result.LastGlobalPosition = result.Recorded[n-1].GlobalPosition
	}
	return result, nil
}

// mapInsertError turns a violation of the stream/nonce constraint, possible
// when a writer bypasses the advisory lock, into a concurrency conflict.
func (s *Store) mapInsertError(stream string, current uint64, expected aggregate.Revision, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "events_stream_nonce_key" {
		exp, ok := aggregate.ExpectedVersion(expected)
		if !ok {
			exp = current
		}
		return &aggregate.ConcurrencyConflictError{Stream: stream, ExpectedVersion: exp, ActualVersion: current + 1}
	}
	return fmt.Errorf("append to stream %q: %w", stream, err)
}

func (s *Store) ReadEvents(ctx context.Context, stream string, fromVersion uint64) ([]aggregate.WireEvent, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, readStreamSQL, stream, int64(fromVersion))
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	return events, nil
}

// ReadAll returns up to limit events of all streams from fromPosition on, in
// global order. A limit of 0 uses a default page size.
func (s *Store) ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]aggregate.WireEvent, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}
	rows, err := db.Query(ctx, readAllSQL, int64(fromPosition), limit)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	return events, nil
}

func (s *Store) StreamExists(ctx context.Context, stream string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	var exists bool
	if err := db.QueryRow(ctx, streamExistsSQL, stream).Scan(&exists); err != nil {
		return false, fmt.Errorf("stream exists %q: %w", stream, err)
	}
	return exists, nil
}

func scanEvents(rows pgx.Rows) ([]aggregate.WireEvent, error) {
	defer rows.Close()
	events := []aggregate.WireEvent{}
	for rows.Next() {
		var (
			ev       aggregate.WireEvent
			position int64
			nonce    int64
			headers  []byte
		)
		err := rows.Scan(&position, &ev.EventID, &ev.AggregateType, &ev.AggregateID, &nonce,
			&ev.EventType, &ev.SchemaVersion, &ev.ContentType, &ev.Payload, &ev.ContentHash,
			&ev.CorrelationID, &ev.CausationID, &ev.ActorID, &ev.TenantID, &headers,
			&ev.TimestampUnixMs, &ev.RecordedTimeUnixMs)
		if err != nil {
			return nil, err
		}
		ev.GlobalPosition = uint64(position)
		ev.AggregateNonce = uint64(nonce)
		if ev.Headers, err = decodeHeaders(headers); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func encodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode headers: %w", err)
	}
	return string(b), nil
}

func decodeHeaders(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return h, nil
}

var _ aggregate.EventStoreClient = (*Store)(nil)
