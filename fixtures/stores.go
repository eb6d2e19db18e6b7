package fixtures

import (
	"context"
	"slices"
	"sync"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/eventstore/memory"
)

// StoreSpy is a configurable EventStoreClient for testing. It delegates to an
// in-memory store, tracks calls and allows injecting custom behavior or
// failures.
type StoreSpy struct {
	mu    sync.Mutex
	inner *memory.MemoryStore

	// Function overrides for custom behavior
	ReadEventsFn   func(ctx context.Context, stream string, fromVersion uint64) ([]aggregate.WireEvent, error)
	AppendEventsFn func(ctx context.Context, stream string, events []aggregate.WireEvent, expected aggregate.Revision) (aggregate.AppendResult, error)
	StreamExistsFn func(ctx context.Context, stream string) (bool, error)

	// Call tracking
	ConnectCalls      int
	DisconnectCalls   int
	ReadEventsCalls   int
	AppendEventsCalls int
	StreamExistsCalls int

	// Captured arguments from last call
	LastReadStream     string
	LastAppendStream   string
	LastAppendEvents   []aggregate.WireEvent
	LastAppendRevision aggregate.Revision

	// Error injection
	readErr   error
	appendErr error
}

// NewStoreSpy creates a new StoreSpy backed by an empty memory store.
func NewStoreSpy() *StoreSpy {
	return &StoreSpy{inner: memory.NewMemoryStore()}
}

// WithEvents pre-populates the store with records for a stream.
func (s *StoreSpy) WithEvents(stream string, events ...aggregate.WireEvent) *StoreSpy {
	current, _ := s.inner.ReadEvents(context.Background(), stream, 1)
	if _, err := s.inner.AppendEvents(context.Background(), stream, events, aggregate.ExplicitRevision(len(current))); err != nil {
		panic(err)
	}
	return s
}

// WithHistory pre-populates the store with serialized envelopes.
func (s *StoreSpy) WithHistory(registry *aggregate.Registry, envelopes ...aggregate.Envelope) *StoreSpy {
	if len(envelopes) == 0 {
		return s
	}
	return s.WithEvents(envelopes[0].StreamName(), WireHistory(registry, envelopes)...)
}

// FailOnRead configures the store to return err from ReadEvents.
func (s *StoreSpy) FailOnRead(err error) *StoreSpy {
	s.readErr = err
	return s
}

// FailOnAppend configures the store to return err from AppendEvents.
func (s *StoreSpy) FailOnAppend(err error) *StoreSpy {
	s.appendErr = err
	return s
}

func (s *StoreSpy) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.ConnectCalls++
	s.mu.Unlock()
	return s.inner.Connect(ctx)
}

func (s *StoreSpy) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.DisconnectCalls++
	s.mu.Unlock()
	return s.inner.Disconnect(ctx)
}

func (s *StoreSpy) ReadEvents(ctx context.Context, stream string, fromVersion uint64) ([]aggregate.WireEvent, error) {
	s.mu.Lock()
	s.ReadEventsCalls++
	s.LastReadStream = stream
	s.mu.Unlock()

	if s.ReadEventsFn != nil {
		return s.ReadEventsFn(ctx, stream, fromVersion)
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.inner.ReadEvents(ctx, stream, fromVersion)
}

func (s *StoreSpy) AppendEvents(ctx context.Context, stream string, events []aggregate.WireEvent, expected aggregate.Revision) (aggregate.AppendResult, error) {
	s.mu.Lock()
	s.AppendEventsCalls++
	s.LastAppendStream = stream
	s.LastAppendEvents = slices.Clone(events)
	s.LastAppendRevision = expected
	s.mu.Unlock()

	if s.AppendEventsFn != nil {
		return s.AppendEventsFn(ctx, stream, events, expected)
	}
	if s.appendErr != nil {
		return aggregate.AppendResult{}, s.appendErr
	}
	return s.inner.AppendEvents(ctx, stream, events, expected)
}

func (s *StoreSpy) StreamExists(ctx context.Context, stream string) (bool, error) {
	s.mu.Lock()
	s.StreamExistsCalls++
	s.mu.Unlock()

	if s.StreamExistsFn != nil {
		return s.StreamExistsFn(ctx, stream)
	}
	if s.readErr != nil {
		return false, s.readErr
	}
	return s.inner.StreamExists(ctx, stream)
}

// Inner returns the memory store the spy delegates to.
func (s *StoreSpy) Inner() *memory.MemoryStore { return s.inner }

// Reset clears call counts and injected failures. Stored events are kept.
func (s *StoreSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ConnectCalls = 0
	s.DisconnectCalls = 0
	s.ReadEventsCalls = 0
	s.AppendEventsCalls = 0
	s.StreamExistsCalls = 0
	s.LastReadStream = ""
	s.LastAppendStream = ""
	s.LastAppendEvents = nil
	s.LastAppendRevision = nil
	s.readErr = nil
	s.appendErr = nil
}

// Pre-built store scenarios.

// FailingStore returns a StoreSpy that fails on all operations.
func FailingStore(err error) *StoreSpy {
	return NewStoreSpy().FailOnRead(err).FailOnAppend(err)
}

// ConcurrencyConflictStore returns a StoreSpy whose appends always conflict.
func ConcurrencyConflictStore(actual uint64) *StoreSpy {
	store := NewStoreSpy()
	store.AppendEventsFn = func(ctx context.Context, stream string, events []aggregate.WireEvent, expected aggregate.Revision) (aggregate.AppendResult, error) {
		exp, _ := aggregate.ExpectedVersion(expected)
		return aggregate.AppendResult{}, &aggregate.ConcurrencyConflictError{Stream: stream, ExpectedVersion: exp, ActualVersion: actual}
	}
	return store
}

var _ aggregate.EventStoreClient = (*StoreSpy)(nil)
