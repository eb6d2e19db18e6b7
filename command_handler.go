package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CommandResult describes the outcome of a handled command.
type CommandResult struct {
	AggregateID string
	Stream      string
	// Version is the version of the aggregate after the command.
	Version uint64
	// Events is the number of events the command appended.
	Events int
}

// CommandHandler handles commands of type C.
type CommandHandler[C Command] func(ctx context.Context, command C) (CommandResult, error)

// CommandHandlerOption configures NewCommandHandler.
type CommandHandlerOption func(*handlerOptions)

type handlerOptions struct {
	retryStrategy    func() backoff.BackOff
	maxRetries       uint64
	headerExtractors []func(ctx context.Context) map[string]string
}

// WithRetryStrategy sets the backoff applied between attempts after a
// concurrency conflict. newBackOff is called once per command, so stateful
// strategies are never shared between goroutines. The default is no retry.
func WithRetryStrategy(newBackOff func() backoff.BackOff) CommandHandlerOption {
	return func(o *handlerOptions) { o.retryStrategy = newBackOff }
}

// WithMaxRetries caps the number of retries after concurrency conflicts.
func WithMaxRetries(n uint64) CommandHandlerOption {
	return func(o *handlerOptions) { o.maxRetries = n }
}

// WithHeaderExtractor adds a function deriving event headers from the context
// of a command. Extractors are applied in order of registration.
func WithHeaderExtractor(fn func(ctx context.Context) map[string]string) CommandHandlerOption {
	return func(o *handlerOptions) {
		o.headerExtractors = append(o.headerExtractors, fn)
	}
}

// NewCommandHandler returns a handler running the full command cycle against
// repo:
//  1. Load the aggregate, or start a fresh one if its stream is empty.
//  2. Dispatch the command to the aggregate.
//  3. Save the pending events.
//
// A concurrency conflict restarts the cycle from a fresh load according to the
// retry strategy. Load failures, business errors and other save failures are
// returned immediately.
func NewCommandHandler[S any, C Command](repo *Repository[S], opts ...CommandHandlerOption) CommandHandler[C] {
	cfg := &handlerOptions{
		retryStrategy: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	for _, o := range opts {
		o(cfg)
	}

	return func(ctx context.Context, command C) (result CommandResult, err error) {
		aggregateType := repo.def.aggregateType
		commandType := CommandType(command)
		start := time.Now()
		defer func() { repo.metrics.CommandHandled(aggregateType, commandType, time.Since(start), err) }()

		for _, fn := range cfg.headerExtractors {
			if h := fn(ctx); len(h) > 0 {
				ctx = WithHeaders(ctx, h)
			}
		}

		id := command.AggregateID()
		stream := StreamName(aggregateType, id)

		var strategy backoff.BackOff = cfg.retryStrategy()
		if cfg.maxRetries > 0 {
			strategy = backoff.WithMaxRetries(strategy, cfg.maxRetries)
		}
		strategy = backoff.WithContext(strategy, ctx)

		attempt := 0
		return backoff.RetryWithData(func() (CommandResult, error) {
			attempt++
			root, err := repo.LoadOrNew(ctx, id)
			if err != nil {
				return CommandResult{}, backoff.Permanent(fmt.Errorf("handle command %s for aggregate %q (stream %q): load failed: %w", commandType, id, stream, err))
			}

			if err := root.HandleCommand(ctx, command); err != nil {
				return CommandResult{}, backoff.Permanent(fmt.Errorf("handle command %s for aggregate %q (stream %q): %w", commandType, id, stream, err))
			}

			pending := len(root.pending)
			res := CommandResult{AggregateID: root.id, Stream: StreamName(aggregateType, root.id), Version: root.version, Events: pending}
			if pending == 0 {
				return res, nil
			}

			if err := repo.Save(ctx, root); err != nil {
				if IsConcurrencyConflict(err) {
					repo.logger.DebugContext(ctx, "retrying command after concurrency conflict",
						"command", commandType, "stream", res.Stream, "attempt", attempt)
					return CommandResult{}, err
				}
				return CommandResult{}, backoff.Permanent(fmt.Errorf("handle command %s for aggregate %q (stream %q): save failed: %w", commandType, id, stream, err))
			}
			return res, nil
		}, strategy)
	}
}
