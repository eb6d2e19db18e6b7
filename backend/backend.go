// Package backend assembles an event store, its publisher and the logging,
// metrics and tracing decorators from a config.Config.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/config"
	"github.com/terraskye/aggregate/eventstore/disk"
	"github.com/terraskye/aggregate/eventstore/kurrentdb"
	"github.com/terraskye/aggregate/eventstore/memory"
	"github.com/terraskye/aggregate/eventstore/postgres"
	"github.com/terraskye/aggregate/eventstore/redis"
	"github.com/terraskye/aggregate/logging"
	"github.com/terraskye/aggregate/otel"
	aggprom "github.com/terraskye/aggregate/prometheus"
	"github.com/terraskye/aggregate/publish"
	"github.com/terraskye/aggregate/publish/amqp"
	"github.com/terraskye/aggregate/publish/kafka"
	"github.com/terraskye/aggregate/publish/nats"
)

// Backend is a connected event store with everything needed to build
// repositories and command handlers on top of it.
type Backend struct {
	// Store is the decorated, connected event store.
	Store   aggregate.EventStoreClient
	Metrics aggregate.Metrics
	Logger  *slog.Logger
	Entry   *logrus.Entry

	cfg       config.Config
	telemetry []otel.Option
}

type Option func(*options)

type options struct {
	logOutput io.Writer
	registry  prom.Registerer
	telemetry []otel.Option
	store     aggregate.EventStoreClient
	publisher publish.Publisher
	onError   publish.ErrorHandler
}

// WithLogOutput sets where logs are written. Defaults to os.Stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithRegisterer sets the registry prometheus metrics are registered with.
// Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prom.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithTelemetryOptions configures the OpenTelemetry decorators.
func WithTelemetryOptions(opts ...otel.Option) Option {
	return func(o *options) { o.telemetry = append(o.telemetry, opts...) }
}

// WithStore replaces the configured store driver.
func WithStore(store aggregate.EventStoreClient) Option {
	return func(o *options) { o.store = store }
}

// WithPublisher replaces the configured publisher driver.
func WithPublisher(pub publish.Publisher) Option {
	return func(o *options) { o.publisher = pub }
}

// WithPublishErrorHandler is called when committed events could not be published.
func WithPublishErrorHandler(h publish.ErrorHandler) Option {
	return func(o *options) { o.onError = h }
}

// Open validates cfg, builds the configured store and publisher, decorates
// the store and connects it.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Backend, error) {
	o := &options{logOutput: os.Stderr, registry: prom.DefaultRegisterer}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := cfg.Log.Slog(o.logOutput)
	if err != nil {
		return nil, err
	}
	entry, err := cfg.Log.Logrus(o.logOutput)
	if err != nil {
		return nil, err
	}

	metrics, err := newMetrics(cfg.Telemetry, o)
	if err != nil {
		return nil, err
	}

	store := o.store
	if store == nil {
		if store, err = NewStore(cfg.Store, logger); err != nil {
			return nil, err
		}
	}

	pub := o.publisher
	if pub == nil {
		if pub, err = NewPublisher(cfg.Publisher); err != nil {
			return nil, err
		}
	}
	if pub != nil {
		pubOpts := []publish.Option{publish.WithLogger(logger)}
		if o.onError != nil {
			pubOpts = append(pubOpts, publish.WithErrorHandler(o.onError))
		}
		store = publish.WithPublisher(store, logging.WithPublisherLogging(entry, pub), pubOpts...)
	}

	store = logging.WithStoreLogging(logger, store)
	if cfg.Telemetry.Tracing {
		store = otel.WithStoreTelemetry(store, o.telemetry...)
	}

	if err := store.Connect(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("connect %s store: %w", cfg.Store.Driver, err), store.Disconnect(ctx))
	}

	return &Backend{
		Store:     store,
		Metrics:   metrics,
		Logger:    logger,
		Entry:     entry,
		cfg:       cfg,
		telemetry: o.telemetry,
	}, nil
}

// NewStore builds the event store selected by cfg.Driver. The store is not
// connected yet.
func NewStore(cfg config.StoreConfig, logger *slog.Logger) (aggregate.EventStoreClient, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewMemoryStore(), nil
	case config.DriverDisk:
		return disk.NewFileStore(cfg.Dir), nil
	case config.DriverPostgres:
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(cfg.Postgres.DSN, logger); err != nil {
				return nil, err
			}
		}
		return postgres.Open(cfg.Postgres.DSN), nil
	case config.DriverRedis:
		var opts []redis.Option
		if cfg.Redis.Prefix != "" {
			opts = append(opts, redis.WithPrefix(cfg.Redis.Prefix))
		}
		return redis.Open(cfg.Redis.Addr, opts...), nil
	case config.DriverKurrentDB:
		return kurrentdb.Open(cfg.KurrentDB.DSN), nil
	default:
		return nil, fmt.Errorf("%w: store %q", config.ErrUnknownDriver, cfg.Driver)
	}
}

// NewPublisher builds the publisher selected by cfg.Driver. It returns nil
// when publishing is disabled.
func NewPublisher(cfg config.PublisherConfig) (publish.Publisher, error) {
	switch cfg.Driver {
	case config.PublisherNone:
		return nil, nil
	case config.PublisherAMQP:
		return amqp.Dial(cfg.URL, cfg.Exchange, cfg.Source)
	case config.PublisherNATS:
		return nats.Connect(cfg.URL, cfg.SubjectPrefix, cfg.Source)
	case config.PublisherKafka:
		return kafka.NewPublisher(kafka.NewWriter(cfg.Brokers, cfg.Topic), cfg.Source), nil
	default:
		return nil, fmt.Errorf("%w: publisher %q", config.ErrUnknownDriver, cfg.Driver)
	}
}

func newMetrics(cfg config.TelemetryConfig, o *options) (aggregate.Metrics, error) {
	switch cfg.Metrics {
	case config.MetricsOTel:
		return otel.NewMetrics(o.telemetry...)
	case config.MetricsPrometheus:
		return aggprom.NewMetrics(o.registry), nil
	default:
		return aggregate.NopMetrics(), nil
	}
}

// RepositoryOptions returns the logger and metrics of b as repository options.
func (b *Backend) RepositoryOptions() []aggregate.RepositoryOption {
	return []aggregate.RepositoryOption{
		aggregate.WithLogger(b.Logger),
		aggregate.WithMetrics(b.Metrics),
	}
}

// HandlerOptions returns the configured retry policy as command handler options.
func (b *Backend) HandlerOptions() []aggregate.CommandHandlerOption {
	if b.cfg.Retry.MaxRetries == 0 {
		return nil
	}
	return []aggregate.CommandHandlerOption{
		aggregate.WithRetryStrategy(b.cfg.Retry.NewBackOff),
		aggregate.WithMaxRetries(b.cfg.Retry.MaxRetries),
	}
}

// Close disconnects the store and its publisher.
func (b *Backend) Close(ctx context.Context) error {
	return b.Store.Disconnect(ctx)
}

// NewRepository returns a repository for def backed by b.
func NewRepository[S any](b *Backend, def *aggregate.Definition[S], registry *aggregate.Registry) *aggregate.Repository[S] {
	return aggregate.NewRepository(def, b.Store, registry, b.RepositoryOptions()...)
}

// NewCommandHandler returns a command handler on repo using the retry policy
// of b, wrapped with command logging and, when tracing is enabled, telemetry.
func NewCommandHandler[S any, C aggregate.Command](b *Backend, repo *aggregate.Repository[S], opts ...aggregate.CommandHandlerOption) aggregate.CommandHandler[C] {
	handler := aggregate.NewCommandHandler[S, C](repo, append(b.HandlerOptions(), opts...)...)
	handler = logging.WithCommandLogging(b.Entry, handler)
	if b.cfg.Telemetry.Tracing {
		handler = otel.WithCommandTelemetry(handler, b.telemetry...)
	}
	return handler
}
