package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/terraskye/aggregate"
)

const (
	defaultPrefix = "aggregate"

	// maxAppendAttempts bounds the retries of an append whose transaction
	// aborted only because another stream took global positions.
	maxAppendAttempts = 32
)

// errPositionContention is returned when an append keeps losing the global
// position key to other writers.
var errPositionContention = errors.New("global position contention")

// Store is an EventStoreClient on Redis. Each stream is a list of JSON
// records; every record is also added to a sorted set scored by its global
// position. Appends run in a MULTI block guarded by WATCH on the stream key
// and the position counter, so positions are dense and an event is visible
// to ReadAll no later than every event with a lower position.
//
// The keys of one store must live on one node.
type Store struct {
	mu     sync.RWMutex
	client goredis.UniversalClient
	addr   string
	owned  bool
	prefix string
	clock  func() time.Time
}

type Option func(*Store)

// WithPrefix sets the key prefix, "aggregate" by default.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock sets the clock used for recorded timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New returns a store on an existing client. Disconnect does not close it.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns a store that dials addr on Connect.
func Open(addr string, opts ...Option) *Store {
	s := New(nil, opts...)
	s.addr = addr
	return s
}

func (s *Store) streamKey(stream string) string { return s.prefix + ":stream:" + stream }
func (s *Store) allKey() string                 { return s.prefix + ":all" }
func (s *Store) positionKey() string            { return s.prefix + ":position" }

func (s *Store) conn() (goredis.UniversalClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, aggregate.ErrNotConnected
	}
	return s.client, nil
}

func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:        s.addr,
			DialTimeout: 5 * time.Second,
		})
		s.owned = true
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		if s.owned {
			_ = s.client.Close()
			s.client = nil
			s.owned = false
		}
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.owned || s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.owned = false
	return err
}

func (s *Store) AppendEvents(ctx context.Context, stream string, events []aggregate.WireEvent, expected aggregate.Revision) (aggregate.AppendResult, error) {
	client, err := s.conn()
	if err != nil {
		return aggregate.AppendResult{}, err
	}
	key := s.streamKey(stream)

	var (
		result  aggregate.AppendResult
		current uint64
	)
	txf := func(tx *goredis.Tx) error {
		n, err := tx.LLen(ctx, key).Uint64()
		if err != nil {
			return err
		}
		current = n
		if err := aggregate.CheckRevision(stream, expected, current); err != nil {
			return err
		}
		if err := aggregate.ValidateAppend(stream, events, current); err != nil {
			return err
		}
		result = aggregate.AppendResult{NextExpectedVersion: current}
		if len(events) == 0 {
			return nil
		}

		position, err := tx.Get(ctx, s.positionKey()).Uint64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		first := position + 1
		last := position + uint64(len(events))
		recorded := s.clock().UnixMilli()

		records := make([]any, 0, len(events))
		members := make([]goredis.Z, 0, len(events))
		result.Recorded = make([]aggregate.WireEvent, 0, len(events))
		for i, ev := range events {
			ev = ev.Clone()
			ev.GlobalPosition = first + uint64(i)
			ev.RecordedTimeUnixMs = recorded
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			records = append(records, data)
			members = append(members, goredis.Z{Score: float64(ev.GlobalPosition), Member: data})
			result.Recorded = append(result.Recorded, ev)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, s.positionKey(), last, 0)
			pipe.RPush(ctx, key, records...)
			pipe.ZAdd(ctx, s.allKey(), members...)
			return nil
		})
		if err != nil {
			return err
		}
		result.NextExpectedVersion = current + uint64(len(events))
		result.LastGlobalPosition = last
		return nil
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		err = client.Watch(ctx, txf, key, s.positionKey())
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
		actual, lerr := client.LLen(ctx, key).Uint64()
		if lerr != nil {
			actual = current + 1
		}
		if actual != current {
			exp, ok := aggregate.ExpectedVersion(expected)
			if !ok {
				exp = current
			}
			return aggregate.AppendResult{}, &aggregate.ConcurrencyConflictError{Stream: stream, ExpectedVersion: exp, ActualVersion: actual}
		}
		// only the position counter moved
		err = errPositionContention
	}
	if err != nil {
		if aggregate.IsConcurrencyConflict(err) || errors.Is(err, aggregate.ErrInvalidEventBatch) || errors.Is(err, aggregate.ErrStreamNotFound) || errors.Is(err, aggregate.ErrInvalidRevision) {
			return aggregate.AppendResult{}, err
		}
		return aggregate.AppendResult{}, fmt.Errorf("append to stream %q: %w", stream, err)
	}
	return result, nil
}

func (s *Store) ReadEvents(ctx context.Context, stream string, fromVersion uint64) ([]aggregate.WireEvent, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	start := int64(0)
	if fromVersion > 1 {
		start = int64(fromVersion - 1)
	}
	raw, err := client.LRange(ctx, s.streamKey(stream), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	events, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	return events, nil
}

// ReadAll returns up to limit events of all streams from fromPosition on, in
// global order. A limit of 0 returns everything.
func (s *Store) ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]aggregate.WireEvent, error) {
	client, err := s.conn()
	if err != nil {
		return nil, err
	}
	by := &goredis.ZRangeBy{Min: strconv.FormatUint(fromPosition, 10), Max: "+inf"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	raw, err := client.ZRangeByScore(ctx, s.allKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	events, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	return events, nil
}

func (s *Store) StreamExists(ctx context.Context, stream string) (bool, error) {
	client, err := s.conn()
	if err != nil {
		return false, err
	}
	n, err := client.Exists(ctx, s.streamKey(stream)).Result()
	if err != nil {
		return false, fmt.Errorf("stream exists %q: %w", stream, err)
	}
	return n > 0, nil
}

func decode(raw []string) ([]aggregate.WireEvent, error) {
	events := make([]aggregate.WireEvent, 0, len(raw))
	for _, r := range raw {
		var ev aggregate.WireEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

var _ aggregate.EventStoreClient = (*Store)(nil)
