package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/terraskye/aggregate"
)

type metrics struct {
	in *instruments
}

// NewMetrics returns an aggregate.Metrics recording to OpenTelemetry
// instruments. Only the meter provider option is used.
func NewMetrics(options ...Option) (aggregate.Metrics, error) {
	in, err := newConfig(options).instruments()
	if err != nil {
		return nil, err
	}
	return &metrics{in: in}, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case aggregate.IsConcurrencyConflict(err):
		return outcomeConflict
	default:
		return outcomeError
	}
}

func (m *metrics) RepositoryLoad(aggregateType string, events int, d time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(AttrAggregateType.String(aggregateType), AttrOperation.String("load"), AttrOutcome.String(outcome(err)))
	m.in.repositoryLoads.Add(ctx, 1, attrs)
	m.in.repositoryDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	if err == nil {
		m.in.eventsLoaded.Add(ctx, int64(events), metric.WithAttributes(AttrAggregateType.String(aggregateType)))
	}
}

func (m *metrics) RepositorySave(aggregateType string, events int, d time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(AttrAggregateType.String(aggregateType), AttrOperation.String("save"), AttrOutcome.String(outcome(err)))
	m.in.repositorySaves.Add(ctx, 1, attrs)
	m.in.repositoryDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	if err == nil {
		m.in.eventsAppended.Add(ctx, int64(events), metric.WithAttributes(AttrAggregateType.String(aggregateType)))
	}
}

func (m *metrics) ConcurrencyConflict(aggregateType string) {
	m.in.conflicts.Add(context.Background(), 1, metric.WithAttributes(AttrAggregateType.String(aggregateType)))
}

func (m *metrics) CommandHandled(aggregateType, commandType string, d time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(AttrAggregateType.String(aggregateType), AttrCommandType.String(commandType))
	m.in.commandsDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	if err != nil {
		m.in.commandsFailed.Add(ctx, 1, attrs)
		return
	}
	m.in.commandsHandled.Add(ctx, 1, attrs)
}
