package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryOptions)

type repositoryOptions struct {
	logger  *slog.Logger
	metrics Metrics
}

// WithLogger sets the logger of the repository. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(o *repositoryOptions) { o.logger = logger }
}

// WithMetrics sets the metrics sink of the repository.
func WithMetrics(m Metrics) RepositoryOption {
	return func(o *repositoryOptions) { o.metrics = m }
}

// Repository loads and saves aggregates of one type through an
// EventStoreClient, enforcing optimistic concurrency. It does not retry.
type Repository[S any] struct {
	def      *Definition[S]
	store    EventStoreClient
	registry *Registry
	logger   *slog.Logger
	metrics  Metrics
}

// NewRepository returns a repository for aggregates defined by def.
func NewRepository[S any](def *Definition[S], store EventStoreClient, registry *Registry, opts ...RepositoryOption) *Repository[S] {
	o := repositoryOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = NopMetrics()
	}
	return &Repository[S]{
		def:      def,
		store:    store,
		registry: registry,
		logger:   o.logger.With(slog.String("aggregate_type", def.aggregateType)),
		metrics:  o.metrics,
	}
}

func (r *Repository[S]) Definition() *Definition[S] { return r.def }

// New returns a fresh, uninitialized aggregate.
func (r *Repository[S]) New() *Root[S] { return r.def.New() }

// Load reads the stream of aggregate id and rehydrates it. A stream without
// events yields a nil aggregate and no error.
func (r *Repository[S]) Load(ctx context.Context, id string) (root *Root[S], err error) {
	stream := StreamName(r.def.aggregateType, id)
	start := time.Now()
	var count int
	defer func() { r.metrics.RepositoryLoad(r.def.aggregateType, count, time.Since(start), err) }()

	records, err := r.store.ReadEvents(ctx, stream, 1)
	if err != nil {
		return nil, WrapRepositoryError("load", stream, err)
	}
	count = len(records)
	if count == 0 {
		r.logger.DebugContext(ctx, "stream is empty", slog.String("stream", stream))
		return nil, nil
	}

	envelopes, err := r.registry.DeserializeAll(records)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", stream, err)
	}
	root = r.def.New()
	if err := root.Rehydrate(envelopes); err != nil {
		return nil, fmt.Errorf("load %q: %w", stream, err)
	}
	if root.id != id {
		return nil, &InvalidAggregateStateError{
			AggregateType: r.def.aggregateType,
			AggregateID:   root.id,
			Reason:        fmt.Sprintf("stream %q holds events of another aggregate", stream),
		}
	}
	r.logger.DebugContext(ctx, "aggregate loaded",
		slog.String("stream", stream),
		slog.Uint64("version", root.version),
	)
	return root, nil
}

// LoadOrNew loads aggregate id, or returns a fresh uninitialized aggregate if
// its stream is empty.
func (r *Repository[S]) LoadOrNew(ctx context.Context, id string) (*Root[S], error) {
	root, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return r.def.New(), nil
	}
	return root, nil
}

// Exists reports whether the stream of aggregate id holds events.
func (r *Repository[S]) Exists(ctx context.Context, id string) (bool, error) {
	stream := StreamName(r.def.aggregateType, id)
	ok, err := r.store.StreamExists(ctx, stream)
	if err != nil {
		return false, WrapRepositoryError("exists", stream, err)
	}
	return ok, nil
}

// Save appends the pending events of root. Without pending events it does
// nothing. The append expects the stream at the version root was loaded at;
// if another writer got there first, a *ConcurrencyConflictError is returned
// and root is left as it was, to be discarded and reloaded.
func (r *Repository[S]) Save(ctx context.Context, root *Root[S]) (err error) {
	if root == nil || len(root.pending) == 0 {
		return nil
	}
	if root.def != r.def {
		return &InvalidAggregateStateError{
			AggregateType: root.def.aggregateType,
			AggregateID:   root.id,
			Reason:        "saved through repository of " + r.def.aggregateType,
		}
	}

	stream := StreamName(r.def.aggregateType, root.id)
	pending := root.pending
	start := time.Now()
	defer func() { r.metrics.RepositorySave(r.def.aggregateType, len(pending), time.Since(start), err) }()

	records := make([]WireEvent, 0, len(pending))
	for _, env := range pending {
		w, err := r.registry.Serialize(env)
		if err != nil {
			return fmt.Errorf("save %q: %w", stream, err)
		}
		records = append(records, w)
	}

	expected := root.PersistedVersion()
	res, err := r.store.AppendEvents(ctx, stream, records, ExplicitRevision(expected))
	if err != nil {
		if IsConcurrencyConflict(err) {
			r.metrics.ConcurrencyConflict(r.def.aggregateType)
			r.logger.WarnContext(ctx, "concurrency conflict",
				slog.String("stream", stream),
				slog.Uint64("expected_version", expected),
				slog.Any("error", err),
			)
		}
		return WrapRepositoryError("save", stream, err)
	}

	root.MarkEventsAsCommitted()
	r.logger.DebugContext(ctx, "aggregate saved",
		slog.String("stream", stream),
		slog.Int("events", len(records)),
		slog.Uint64("version", res.NextExpectedVersion),
		slog.Uint64("global_position", res.LastGlobalPosition),
	)
	return nil
}
