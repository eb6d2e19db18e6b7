package logging

import (
	"context"
	"log/slog"

	"github.com/terraskye/aggregate"
)

type storeLogger struct {
	logger *slog.Logger
	next   aggregate.EventStoreClient
}

// WithStoreLogging wraps an EventStoreClient so that every append and read
// is logged at debug level and every failure at error level. Concurrency
// conflicts are expected under contention and logged at warn level.
func WithStoreLogging(logger *slog.Logger, next aggregate.EventStoreClient) aggregate.EventStoreClient {
	return &storeLogger{logger: logger, next: next}
}

func (s *storeLogger) Connect(ctx context.Context) error {
	err := s.next.Connect(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "event store connect failed", "error", err)
		return err
	}
	s.logger.InfoContext(ctx, "event store connected")
	return nil
}

func (s *storeLogger) Disconnect(ctx context.Context) error {
	err := s.next.Disconnect(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "event store disconnect failed", "error", err)
		return err
	}
	s.logger.InfoContext(ctx, "event store disconnected")
	return nil
}

func (s *storeLogger) AppendEvents(ctx context.Context, stream string, events []aggregate.WireEvent, expected aggregate.Revision) (aggregate.AppendResult, error) {
	l := s.logger.With(
		"stream-id", stream,
		"events", len(events),
		"correlation", aggregate.CorrelationIDFromContext(ctx),
		"causation", aggregate.CausationIDFromContext(ctx),
	)
	if v, ok := aggregate.ExpectedVersion(expected); ok {
		l = l.With("expected-version", v)
	}

	l.DebugContext(ctx, "append started")

	result, err := s.next.AppendEvents(ctx, stream, events, expected)
	switch {
	case aggregate.IsConcurrencyConflict(err):
		l.WarnContext(ctx, "append conflicted", "error", err)
	case err != nil:
		l.ErrorContext(ctx, "error appending events", "error", err)
	default:
		l.DebugContext(ctx, "append succeeded",
			"version", result.NextExpectedVersion,
			"global-version", result.LastGlobalPosition,
		)
	}
	return result, err
}

func (s *storeLogger) ReadEvents(ctx context.Context, stream string, fromVersion uint64) ([]aggregate.WireEvent, error) {
	events, err := s.next.ReadEvents(ctx, stream, fromVersion)
	if err != nil {
		s.logger.ErrorContext(ctx, "error reading events", "stream-id", stream, "from-version", fromVersion, "error", err)
		return events, err
	}
	s.logger.DebugContext(ctx, "events read", "stream-id", stream, "from-version", fromVersion, "events", len(events))
	return events, nil
}

func (s *storeLogger) StreamExists(ctx context.Context, stream string) (bool, error) {
	ok, err := s.next.StreamExists(ctx, stream)
	if err != nil {
		s.logger.ErrorContext(ctx, "error checking stream", "stream-id", stream, "error", err)
	}
	return ok, err
}
