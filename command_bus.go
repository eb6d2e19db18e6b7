package aggregate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"reflect"
	"sync"
)

var (
	ErrCommandBusStopped = errors.New("command bus is stopped")
	ErrNoCommandHandler  = errors.New("no handler for command")
)

// queuedCommand is a command waiting in a shard queue together with the
// channel its outcome is sent on.
type queuedCommand struct {
	ctx      context.Context
	command  Command
	response chan<- commandOutcome
}

type commandOutcome struct {
	result CommandResult
	err    error
}

// CommandBus dispatches commands to the handlers registered for their type.
//
// Commands are spread over a fixed number of shard workers by aggregate id,
// so commands targeting the same aggregate are handled one at a time and in
// arrival order within this process. Concurrency conflicts between processes
// are still possible and are left to the handler's retry strategy.
//
// The CommandBus supports:
//   - typed handler registration using generics
//   - panic recovery in handlers
//   - shutdown that waits for queued commands to finish
type CommandBus struct {
	handlersMu sync.RWMutex
	handlers   map[string]func(ctx context.Context, command Command) (CommandResult, error)

	// mu guards stopped and the queues against being closed during a send.
	mu      sync.RWMutex
	queues  []chan queuedCommand
	stopped bool
	workers sync.WaitGroup
}

// NewCommandBus creates a CommandBus with shardCount workers, each with a
// queue of bufferSize commands. The workers are started immediately.
//
// Example:
//
//	bus := NewCommandBus(100, 8)
//	defer bus.Stop()
func NewCommandBus(bufferSize int, shardCount int) *CommandBus {
	if shardCount <= 0 {
		shardCount = 1
	}
	if bufferSize < 0 {
		bufferSize = 0
	}

	bus := &CommandBus{
		queues:   make([]chan queuedCommand, shardCount),
		handlers: make(map[string]func(ctx context.Context, command Command) (CommandResult, error)),
	}

	for i := range bus.queues {
		bus.queues[i] = make(chan queuedCommand, bufferSize)
		bus.workers.Add(1)
		go bus.worker(bus.queues[i])
	}

	return bus
}

// Dispatch enqueues cmd on the shard of its aggregate and waits for the
// result. It is safe to call concurrently.
//
// When ctx is done before the handler finishes, Dispatch returns ctx.Err();
// the handler still runs with the same, now cancelled, context.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return CommandResult{}, err
	}
	if isNilCommand(cmd) {
		return CommandResult{}, fmt.Errorf("%w: nil command", ErrNoCommandHandler)
	}

	response := make(chan commandOutcome, 1)

	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return CommandResult{}, ErrCommandBusStopped
	}
	queue := b.queues[b.selectShard(cmd.AggregateID())]
	select {
	case queue <- queuedCommand{ctx: ctx, command: cmd, response: response}:
		b.mu.RUnlock()
	case <-ctx.Done():
		b.mu.RUnlock()
		return CommandResult{}, ctx.Err()
	}

	select {
	case out := <-response:
		return out.result, out.err
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

func isNilCommand(cmd Command) bool {
	if cmd == nil {
		return true
	}
	v := reflect.ValueOf(cmd)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// worker processes the commands of a single shard queue.
func (b *CommandBus) worker(queue chan queuedCommand) {
	defer b.workers.Done()
	for qc := range queue {
		cmdType := CommandType(qc.command)

		b.handlersMu.RLock()
		h, exists := b.handlers[cmdType]
		b.handlersMu.RUnlock()

		if !exists {
			qc.response <- commandOutcome{err: fmt.Errorf("%w %s", ErrNoCommandHandler, cmdType)}
			continue
		}

		qc.response <- b.handle(h, qc)
	}
}

func (b *CommandBus) handle(h func(context.Context, Command) (CommandResult, error), qc queuedCommand) (out commandOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = commandOutcome{err: fmt.Errorf("panic in handler for %s: %v", CommandType(qc.command), r)}
		}
	}()
	res, err := h(qc.ctx, qc.command)
	return commandOutcome{result: res, err: err}
}

func (b *CommandBus) selectShard(aggregateID string) int {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(aggregateID))
	return int(hash.Sum32() % uint32(len(b.queues)))
}

// Register adds the handler for commands of type C to the bus. Registering a
// second handler for the same command type is an error.
//
// Example:
//
//	err := Register(bus, NewCommandHandler[OrderState, SubmitOrder](repo))
func Register[C Command](b *CommandBus, handler CommandHandler[C]) error {
	cmdType := reflect.TypeFor[C]().String()

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	if _, exists := b.handlers[cmdType]; exists {
		return fmt.Errorf("handler already registered for command type %s", cmdType)
	}

	b.handlers[cmdType] = func(ctx context.Context, cmd Command) (CommandResult, error) {
		c, ok := cmd.(C)
		if !ok {
			return CommandResult{}, fmt.Errorf("expected command type %s but got %T", cmdType, cmd)
		}
		return handler(ctx, c)
	}
	return nil
}

// Stop stops accepting commands, lets the workers drain their queues and
// waits for them to finish. Calling Stop more than once is a no-op.
func (b *CommandBus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()
	b.workers.Wait()
}
