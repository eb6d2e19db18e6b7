package backend_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/backend"
	"github.com/terraskye/aggregate/config"
	"github.com/terraskye/aggregate/fixtures"
	"github.com/terraskye/aggregate/otel"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []aggregate.WireEvent
	closed bool
}

func (p *recordingPublisher) Publish(ctx context.Context, events []aggregate.WireEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

func submitAndCancel(t *testing.T, b *backend.Backend) {
	t.Helper()
	ctx := context.Background()
	repo := backend.NewRepository(b, fixtures.OrderDefinition, fixtures.NewOrderRegistry())
	submit := backend.NewCommandHandler[fixtures.OrderState, fixtures.SubmitOrder](b, repo)
	cancel := backend.NewCommandHandler[fixtures.OrderState, fixtures.CancelOrder](b, repo)

	_, err := submit(ctx, fixtures.NewSubmitOrder().Build())
	require.NoError(t, err)
	res, err := cancel(ctx, fixtures.CancelOrder{OrderID: "order-1", Reason: "changed mind"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Version)

	root, err := repo.Load(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, fixtures.StatusCancelled, root.State().Status)
}

func TestOpen_Memory(t *testing.T) {
	var logs bytes.Buffer
	pub := &recordingPublisher{}
	b, err := backend.Open(context.Background(), config.Default(),
		backend.WithLogOutput(&logs),
		backend.WithPublisher(pub),
	)
	require.NoError(t, err)

	submitAndCancel(t, b)

	require.Len(t, pub.events, 2)
	assert.Equal(t, fixtures.OrderSubmittedType, pub.events[0].EventType)
	assert.Equal(t, uint64(2), pub.events[1].AggregateNonce)
	assert.Contains(t, logs.String(), "Dispatch:")

	require.NoError(t, b.Close(context.Background()))
	assert.True(t, pub.closed)
}

func TestOpen_Disk(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.DriverDisk
	cfg.Store.Dir = t.TempDir()

	b, err := backend.Open(context.Background(), cfg, backend.WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer b.Close(context.Background())

	submitAndCancel(t, b)
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Store.Driver = config.DriverRedis
	cfg.Store.Redis.Addr = mr.Addr()
	cfg.Store.Redis.Prefix = "orders"

	b, err := backend.Open(context.Background(), cfg, backend.WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer b.Close(context.Background())

	submitAndCancel(t, b)
	assert.True(t, mr.Exists("orders:stream:Order-order-1"))
}

func TestOpen_PrometheusAndTracing(t *testing.T) {
	reg := prom.NewRegistry()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	cfg := config.Default()
	cfg.Telemetry.Metrics = config.MetricsPrometheus
	cfg.Telemetry.Tracing = true

	b, err := backend.Open(context.Background(), cfg,
		backend.WithLogOutput(&bytes.Buffer{}),
		backend.WithRegisterer(reg),
		backend.WithTelemetryOptions(otel.WithTracerProvider(tp)),
	)
	require.NoError(t, err)
	defer b.Close(context.Background())

	submitAndCancel(t, b)

	count, err := testutil.GatherAndCount(reg, "aggregate_commands_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per command type")

	names := map[string]bool{}
	for _, s := range spans.Ended() {
		names[s.Name()] = true
	}
	assert.True(t, names["EventStore.AppendEvents"])
	assert.True(t, names["command.handle "+aggregate.CommandType(fixtures.SubmitOrder{})])
}

func TestOpen_RetriesConflicts(t *testing.T) {
	cfg := config.Default()
	cfg.Retry.MaxRetries = 2
	cfg.Retry.InitialInterval = 1
	store := fixtures.ConcurrencyConflictStore(1)

	b, err := backend.Open(context.Background(), cfg,
		backend.WithLogOutput(&bytes.Buffer{}),
		backend.WithStore(store),
	)
	require.NoError(t, err)

	repo := backend.NewRepository(b, fixtures.OrderDefinition, fixtures.NewOrderRegistry())
	submit := backend.NewCommandHandler[fixtures.OrderState, fixtures.SubmitOrder](b, repo)
	_, err = submit(context.Background(), fixtures.NewSubmitOrder().Build())
	require.True(t, aggregate.IsConcurrencyConflict(err))
	assert.Equal(t, 3, store.AppendEventsCalls)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "sqlite"
	_, err := backend.Open(context.Background(), cfg)
	require.ErrorIs(t, err, config.ErrUnknownDriver)
}

func TestNewPublisher_None(t *testing.T) {
	pub, err := backend.NewPublisher(config.PublisherConfig{})
	require.NoError(t, err)
	assert.Nil(t, pub)
}

func TestNewPublisher_Kafka(t *testing.T) {
	pub, err := backend.NewPublisher(config.PublisherConfig{Driver: config.PublisherKafka, Brokers: []string{"localhost:9092"}, Topic: "events", Source: "test"})
	require.NoError(t, err)
	require.NotNil(t, pub)
	require.NoError(t, pub.Close())
}
