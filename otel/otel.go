package otel

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName    = "github.com/terraskye/aggregate"
	instrumentationVersion = "0.1.0"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Command attributes
	AttrCommandType   = attribute.Key("aggregate.command.type")
	AttrAggregateType = attribute.Key("aggregate.type")
	AttrAggregateID   = attribute.Key("aggregate.id")

	// Stream attributes
	AttrStream         = attribute.Key("aggregate.stream.name")
	AttrStreamVersion  = attribute.Key("aggregate.stream.version")
	AttrStreamRevision = attribute.Key("aggregate.stream.expected_revision")

	// Event attributes
	AttrEventCount     = attribute.Key("aggregate.events.count")
	AttrEventGlobalPos = attribute.Key("aggregate.event.global_position")

	// Operation attributes
	AttrOperation = attribute.Key("aggregate.operation")
	AttrOutcome   = attribute.Key("aggregate.outcome")
)

const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeConflict = "conflict"
)

type instruments struct {
	commandsHandled  metric.Int64Counter
	commandsFailed   metric.Int64Counter
	commandsDuration metric.Float64Histogram
	commandsInFlight metric.Int64UpDownCounter

	eventsAppended metric.Int64Counter
	eventsLoaded   metric.Int64Counter

	storeOperations metric.Int64Counter
	storeDuration   metric.Float64Histogram
	storeErrors     metric.Int64Counter

	repositoryLoads    metric.Int64Counter
	repositorySaves    metric.Int64Counter
	repositoryDuration metric.Float64Histogram

	conflicts metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		in   instruments
		err  error
		errs []error
	)
	collect := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	// Command metrics
	in.commandsHandled, err = meter.Int64Counter(
		"aggregate.commands.handled",
		metric.WithDescription("Total number of commands handled"),
		metric.WithUnit("{command}"),
	)
	collect(err)
	in.commandsFailed, err = meter.Int64Counter(
		"aggregate.commands.failed",
		metric.WithDescription("Number of failed commands"),
		metric.WithUnit("{command}"),
	)
	collect(err)
	in.commandsDuration, err = meter.Float64Histogram(
		"aggregate.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	collect(err)
	in.commandsInFlight, err = meter.Int64UpDownCounter(
		"aggregate.commands.in_flight",
		metric.WithDescription("Number of commands currently being processed"),
		metric.WithUnit("{command}"),
	)
	collect(err)

	// Event metrics
	in.eventsAppended, err = meter.Int64Counter(
		"aggregate.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)
	collect(err)
	in.eventsLoaded, err = meter.Int64Counter(
		"aggregate.events.loaded",
		metric.WithDescription("Number of events loaded from streams"),
		metric.WithUnit("{event}"),
	)
	collect(err)

	// Event store metrics
	in.storeOperations, err = meter.Int64Counter(
		"aggregate.eventstore.operations",
		metric.WithDescription("Number of event store operations"),
		metric.WithUnit("{operation}"),
	)
	collect(err)
	in.storeDuration, err = meter.Float64Histogram(
		"aggregate.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	collect(err)
	in.storeErrors, err = meter.Int64Counter(
		"aggregate.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)
	collect(err)

	// Repository metrics
	in.repositoryLoads, err = meter.Int64Counter(
		"aggregate.repository.loads",
		metric.WithDescription("Number of aggregate loads"),
		metric.WithUnit("{operation}"),
	)
	collect(err)
	in.repositorySaves, err = meter.Int64Counter(
		"aggregate.repository.saves",
		metric.WithDescription("Number of aggregate saves"),
		metric.WithUnit("{operation}"),
	)
	collect(err)
	in.repositoryDuration, err = meter.Float64Histogram(
		"aggregate.repository.duration",
		metric.WithDescription("Repository load and save duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	collect(err)

	// System metrics
	in.conflicts, err = meter.Int64Counter(
		"aggregate.concurrency.conflicts",
		metric.WithDescription("Number of concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)
	collect(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &in, nil
}
