// Package publish forwards committed events to a message broker.
//
// Publishing happens after a successful append and is best effort: a
// failed publish is logged and reported to the error handler, the append
// result is returned unchanged.
package publish

import (
	"context"
	"errors"
	"log/slog"

	"github.com/terraskye/aggregate"
)

// Publisher delivers committed records to a broker.
type Publisher interface {
	Publish(ctx context.Context, events []aggregate.WireEvent) error
	Close() error
}

// ErrorHandler is called when committed records could not be published.
type ErrorHandler func(ctx context.Context, events []aggregate.WireEvent, err error)

type Option func(*publishingStore)

// WithErrorHandler sets the handler for publish failures.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *publishingStore) { s.onError = h }
}

// WithLogger sets the logger for publish failures. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *publishingStore) { s.logger = l }
}

type publishingStore struct {
	aggregate.EventStoreClient
	pub     Publisher
	onError ErrorHandler
	logger  *slog.Logger
}

// WithPublisher decorates store so that every successful append is
// published through pub. Disconnect closes pub as well.
func WithPublisher(store aggregate.EventStoreClient, pub Publisher, opts ...Option) aggregate.EventStoreClient {
	s := &publishingStore{EventStoreClient: store, pub: pub, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *publishingStore) AppendEvents(ctx context.Context, stream string, events []aggregate.WireEvent, expected aggregate.Revision) (aggregate.AppendResult, error) {
	res, err := s.EventStoreClient.AppendEvents(ctx, stream, events, expected)
	if err != nil || len(res.Recorded) == 0 {
		return res, err
	}
	if perr := s.pub.Publish(ctx, res.Recorded); perr != nil {
		s.logger.WarnContext(ctx, "publish committed events failed",
			slog.String("stream", stream),
			slog.Int("events", len(res.Recorded)),
			slog.Uint64("version", res.NextExpectedVersion),
			slog.Any("error", perr),
		)
		if s.onError != nil {
			s.onError(ctx, res.Recorded, perr)
		}
	}
	return res, nil
}

func (s *publishingStore) Disconnect(ctx context.Context) error {
	return errors.Join(s.EventStoreClient.Disconnect(ctx), s.pub.Close())
}
