package otel

import (
	"context"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/aggregate"
)

var _ aggregate.EventStoreClient = (*TelemetryStore)(nil)

// TelemetryStore traces and measures the calls of an EventStoreClient.
type TelemetryStore struct {
	next       aggregate.EventStoreClient
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	attrs      []attribute.KeyValue
	in         *instruments
}

// WithStoreTelemetry wraps next with OpenTelemetry tracing and metrics.
//
// Appended events get the current trace context injected into their headers
// and, when they carry no correlation id, the trace id as correlation id.
func WithStoreTelemetry(next aggregate.EventStoreClient, options ...Option) *TelemetryStore {
	cfg := newConfig(options)
	return &TelemetryStore{
		next:       next,
		tracer:     cfg.tracer(),
		propagator: cfg.Propagator,
		attrs:      cfg.Attributes,
		in:         cfg.mustInstruments(),
	}
}

func (t *TelemetryStore) start(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(t.attrs)+len(attrs)+1)
	all = append(all, t.attrs...)
	all = append(all, AttrOperation.String(operation))
	all = append(all, attrs...)
	return t.tracer.Start(ctx, "EventStore."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(all...),
	)
}

func (t *TelemetryStore) finish(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeError
		if aggregate.IsConcurrencyConflict(err) {
			outcome = outcomeConflict
		}
		t.in.storeErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(operation)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	attrs := metric.WithAttributes(AttrOperation.String(operation), AttrOutcome.String(outcome))
	t.in.storeOperations.Add(ctx, 1, attrs)
	t.in.storeDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

func (t *TelemetryStore) Connect(ctx context.Context) error {
	return t.next.Connect(ctx)
}

func (t *TelemetryStore) Disconnect(ctx context.Context) error {
	return t.next.Disconnect(ctx)
}

func (t *TelemetryStore) AppendEvents(ctx context.Context, stream string, events []aggregate.WireEvent, expected aggregate.Revision) (aggregate.AppendResult, error) {
	ctx, span := t.start(ctx, "AppendEvents",
		AttrStream.String(stream),
		AttrEventCount.Int(len(events)),
		AttrStreamRevision.String(revisionString(expected)),
	)
	defer span.End()

	carrier := propagation.MapCarrier{}
	t.propagator.Inject(ctx, carrier)
	traceID := ""
	if span.SpanContext().HasTraceID() {
		traceID = span.SpanContext().TraceID().String()
	}

	traced := make([]aggregate.WireEvent, len(events))
	for i, ev := range events {
		ev = ev.Clone()
		if len(carrier) > 0 {
			if ev.Headers == nil {
				ev.Headers = make(map[string]string, len(carrier))
			}
			maps.Copy(ev.Headers, carrier)
		}
		if ev.CorrelationID == "" {
			ev.CorrelationID = traceID
		}
		traced[i] = ev
	}

	start := time.Now()
	result, err := t.next.AppendEvents(ctx, stream, traced, expected)
	t.finish(ctx, span, "AppendEvents", start, err)
	if err != nil {
		if aggregate.IsConcurrencyConflict(err) {
			t.in.conflicts.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("AppendEvents")))
			span.AddEvent("concurrency_conflict", trace.WithAttributes(AttrStream.String(stream)))
		}
		return result, err
	}

	t.in.eventsAppended.Add(ctx, int64(len(events)))
	span.SetAttributes(
		AttrStreamVersion.Int64(int64(result.NextExpectedVersion)),
		AttrEventGlobalPos.Int64(int64(result.LastGlobalPosition)),
	)
	return result, nil
}

func (t *TelemetryStore) ReadEvents(ctx context.Context, stream string, fromVersion uint64) ([]aggregate.WireEvent, error) {
	ctx, span := t.start(ctx, "ReadEvents", AttrStream.String(stream))
	defer span.End()

	start := time.Now()
	events, err := t.next.ReadEvents(ctx, stream, fromVersion)
	t.finish(ctx, span, "ReadEvents", start, err)
	if err != nil {
		return events, err
	}
	span.SetAttributes(AttrEventCount.Int(len(events)))
	t.in.eventsLoaded.Add(ctx, int64(len(events)))
	return events, nil
}

func (t *TelemetryStore) StreamExists(ctx context.Context, stream string) (bool, error) {
	ctx, span := t.start(ctx, "StreamExists", AttrStream.String(stream))
	defer span.End()

	start := time.Now()
	ok, err := t.next.StreamExists(ctx, stream)
	t.finish(ctx, span, "StreamExists", start, err)
	return ok, err
}

func revisionString(rev aggregate.Revision) string {
	switch r := rev.(type) {
	case nil, aggregate.Any:
		return "any"
	case aggregate.NoStream:
		return "no_stream"
	case aggregate.StreamExists:
		return "stream_exists"
	case aggregate.ExplicitRevision:
		return fmt.Sprintf("%d", uint64(r))
	default:
		return fmt.Sprintf("%T", rev)
	}
}
