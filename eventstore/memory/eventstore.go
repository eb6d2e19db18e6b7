package memory

import (
	"context"
	"sync"
	"time"

	"github.com/terraskye/aggregate"
)

// MemoryStore is an in-process EventStoreClient for tests and prototypes.
// Appended events are also offered on the Events channel; when the channel
// buffer is full they are dropped from the channel, never from the store.
type MemoryStore struct {
	mu      sync.RWMutex
	closed  bool
	clock   func() time.Time
	buffer  int
	bus     chan aggregate.WireEvent
	global  []aggregate.WireEvent
	streams map[string][]aggregate.WireEvent
}

type Option func(*MemoryStore)

// WithBuffer sets the capacity of the Events channel. Defaults to 0, which
// drops every notification without a waiting reader.
func WithBuffer(n int) Option {
	return func(m *MemoryStore) { m.buffer = n }
}

// WithClock sets the clock used for recorded timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *MemoryStore) { m.clock = clock }
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	m := &MemoryStore{
		clock:   time.Now,
		streams: make(map[string][]aggregate.WireEvent),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bus = make(chan aggregate.WireEvent, m.buffer)
	return m
}

// Connect reopens a disconnected store. Stored events survive a disconnect.
func (m *MemoryStore) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.closed = false
		m.bus = make(chan aggregate.WireEvent, m.buffer)
	}
	return nil
}

// Disconnect closes the Events channel. Further calls fail with
// aggregate.ErrNotConnected until Connect is called again.
func (m *MemoryStore) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.bus)
	}
	return nil
}

func (m *MemoryStore) ReadEvents(ctx context.Context, stream string, fromVersion uint64) ([]aggregate.WireEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, aggregate.ErrNotConnected
	}

	events := m.streams[stream]
	if fromVersion > 0 {
		fromVersion--
	}
	if fromVersion >= uint64(len(events)) {
		return []aggregate.WireEvent{}, nil
	}
	return cloneAll(events[fromVersion:]), nil
}

func (m *MemoryStore) AppendEvents(ctx context.Context, stream string, events []aggregate.WireEvent, expected aggregate.Revision) (aggregate.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return aggregate.AppendResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return aggregate.AppendResult{}, aggregate.ErrNotConnected
	}

	current := uint64(len(m.streams[stream]))
	if err := aggregate.CheckRevision(stream, expected, current); err != nil {
		return aggregate.AppendResult{}, err
	}
	if err := aggregate.ValidateAppend(stream, events, current); err != nil {
		return aggregate.AppendResult{}, err
	}
	if len(events) == 0 {
		return aggregate.AppendResult{NextExpectedVersion: current}, nil
	}

	recorded := m.clock().UnixMilli()
	result := aggregate.AppendResult{Recorded: make([]aggregate.WireEvent, 0, len(events))}
	for _, ev := range events {
		ev = ev.Clone()
		ev.GlobalPosition = uint64(len(m.global)) + 1
		ev.RecordedTimeUnixMs = recorded

		m.streams[stream] = append(m.streams[stream], ev)
		m.global = append(m.global, ev)
		result.Recorded = append(result.Recorded, ev.Clone())

		select {
		case m.bus <- ev.Clone():
		default:
			// Drop notification if channel full
		}
	}
	result.NextExpectedVersion = uint64(len(m.streams[stream]))
	result.LastGlobalPosition = uint64(len(m.global))
	return result, nil
}

func (m *MemoryStore) StreamExists(ctx context.Context, stream string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, aggregate.ErrNotConnected
	}
	return len(m.streams[stream]) > 0, nil
}

// ReadAll returns the events of all streams whose global position is at least
// fromPosition, in global order.
func (m *MemoryStore) ReadAll(ctx context.Context, fromPosition uint64) ([]aggregate.WireEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, aggregate.ErrNotConnected
	}
	if fromPosition > 0 {
		fromPosition--
	}
	if fromPosition >= uint64(len(m.global)) {
		return []aggregate.WireEvent{}, nil
	}
	return cloneAll(m.global[fromPosition:]), nil
}

// Events returns the channel appended events are offered on. It is closed by
// Disconnect.
func (m *MemoryStore) Events() <-chan aggregate.WireEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bus
}

func cloneAll(events []aggregate.WireEvent) []aggregate.WireEvent {
	out := make([]aggregate.WireEvent, len(events))
	for i, ev := range events {
		out[i] = ev.Clone()
	}
	return out
}

var _ aggregate.EventStoreClient = (*MemoryStore)(nil)
