package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/aggregate"
)

// WithCommandTelemetry wraps a CommandHandler with OpenTelemetry tracing and metrics.
//
// Each command gets an internal span named after the command type, with the
// aggregate id as attribute. After the handler returns, the stream and its
// version are added to the span. Metrics recorded:
//   - aggregate.commands.in_flight while the handler runs
//   - aggregate.commands.duration in milliseconds
//   - aggregate.commands.handled or aggregate.commands.failed
//   - aggregate.concurrency.conflicts when retries were exhausted on a conflict
//
// Example Usage:
//
//	handler := otel.WithCommandTelemetry(aggregate.NewCommandHandler[OrderState, SubmitOrder](repo))
//	result, err := handler(ctx, cmd)
func WithCommandTelemetry[C aggregate.Command](next aggregate.CommandHandler[C], options ...Option) aggregate.CommandHandler[C] {
	cfg := newConfig(options)
	tracer := cfg.tracer()
	in := cfg.mustInstruments()

	return func(ctx context.Context, cmd C) (aggregate.CommandResult, error) {
		commandType := aggregate.CommandType(cmd)
		typeAttr := metric.WithAttributes(AttrCommandType.String(commandType))

		ctx, span := tracer.Start(ctx, "command.handle "+commandType,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(cfg.Attributes...),
			trace.WithAttributes(
				AttrCommandType.String(commandType),
				AttrAggregateID.String(cmd.AggregateID()),
			),
		)
		defer span.End()

		in.commandsInFlight.Add(ctx, 1, typeAttr)
		defer in.commandsInFlight.Add(ctx, -1, typeAttr)

		start := time.Now()
		result, err := next(ctx, cmd)
		in.commandsDuration.Record(ctx, float64(time.Since(start).Milliseconds()), typeAttr)

		span.SetAttributes(
			AttrStream.String(result.Stream),
			AttrStreamVersion.Int64(int64(result.Version)),
			AttrEventCount.Int(result.Events),
		)

		if err != nil {
			if aggregate.IsConcurrencyConflict(err) {
				in.conflicts.Add(ctx, 1, typeAttr)
				span.AddEvent("concurrency_conflict")
			}
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			in.commandsFailed.Add(ctx, 1, typeAttr)
			return result, err
		}

		span.SetStatus(codes.Ok, "")
		in.commandsHandled.Add(ctx, 1, typeAttr)
		return result, nil
	}
}
