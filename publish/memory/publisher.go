// Package memory fans committed events out to in-process subscribers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/publish"
)

var ErrClosed = errors.New("publisher is closed")

// Handler receives a committed event.
type Handler func(ctx context.Context, event aggregate.WireEvent) error

type subscriber struct {
	name    string
	filter  func(aggregate.WireEvent) bool
	handler Handler
	events  chan aggregate.WireEvent
	cancel  context.CancelFunc
}

// Publisher delivers every published event to the subscribers whose filter
// accepts it. Each subscriber has its own buffered queue and worker; when the
// queue is full the event is dropped for that subscriber.
type Publisher struct {
	mu         sync.RWMutex
	subs       map[string]*subscriber
	closed     bool
	errs       chan error
	wg         sync.WaitGroup
	bufferSize int
}

// NewPublisher constructs a publisher with the given subscriber buffer size.
func NewPublisher(bufferSize int) *Publisher {
	return &Publisher{
		subs:       make(map[string]*subscriber),
		errs:       make(chan error, 64),
		bufferSize: bufferSize,
	}
}

// Subscribe registers handler under name. A nil filter accepts every event.
// The subscription ends when ctx is done or the publisher is closed.
func (p *Publisher) Subscribe(ctx context.Context, name string, filter func(aggregate.WireEvent) bool, handler Handler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if filter == nil {
		filter = func(aggregate.WireEvent) bool { return true }
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, exists := p.subs[name]; exists {
		return fmt.Errorf("subscriber with name %q already registered", name)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		name:    name,
		filter:  filter,
		handler: handler,
		events:  make(chan aggregate.WireEvent, p.bufferSize),
		cancel:  cancel,
	}
	p.subs[name] = s

	p.wg.Add(1)
	go p.runSubscriber(workerCtx, s)

	go func() {
		select {
		case <-ctx.Done():
			p.removeSubscriber(name)
		case <-workerCtx.Done():
		}
	}()

	return nil
}

// ForAggregate returns a filter accepting the events of one aggregate type.
func ForAggregate(aggregateType string) func(aggregate.WireEvent) bool {
	return func(ev aggregate.WireEvent) bool { return ev.AggregateType == aggregateType }
}

// Errors returns the channel handler failures are reported on. Errors are
// dropped when nobody reads the channel.
func (p *Publisher) Errors() <-chan error {
	return p.errs
}

// Publish offers events to all matching subscribers without waiting for them
// to be handled.
func (p *Publisher) Publish(ctx context.Context, events []aggregate.WireEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	for _, ev := range events {
		for _, s := range p.subs {
			if !s.filter(ev) {
				continue
			}
			select {
			case s.events <- ev.Clone():
			default:
				// subscriber is busy
			}
		}
	}
	return nil
}

// Close ends all subscriptions and waits for their workers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for name, s := range p.subs {
		s.cancel()
		close(s.events)
		delete(p.subs, name)
	}
	p.mu.Unlock()

	p.wg.Wait()
	close(p.errs)
	return nil
}

// runSubscriber processes events for a single subscriber.
func (p *Publisher) runSubscriber(ctx context.Context, s *subscriber) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-s.events:
			if !ok {
				return
			}

			hctx := aggregate.WithCorrelationID(ctx, ev.CorrelationID)
			hctx = aggregate.WithCausationID(hctx, ev.EventID)
			if err := s.handler(hctx, ev); err != nil {
				select {
				case p.errs <- fmt.Errorf("subscriber %q: %w", s.name, err):
				default:
				}
			}
		}
	}
}

func (p *Publisher) removeSubscriber(name string) {
	p.mu.Lock()
	s, ok := p.subs[name]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.subs, name)
	p.mu.Unlock()

	s.cancel()
	close(s.events)
}

var _ publish.Publisher = (*Publisher)(nil)
