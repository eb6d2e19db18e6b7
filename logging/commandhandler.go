package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/terraskye/aggregate"
)

// WithCommandLogging wraps a CommandHandler with logging functionality.
// It logs the command type and aggregate ID before execution, the resulting
// stream version on success, and the error if the command fails.
func WithCommandLogging[C aggregate.Command](logger *logrus.Entry, next aggregate.CommandHandler[C]) aggregate.CommandHandler[C] {
	return func(ctx context.Context, command C) (aggregate.CommandResult, error) {
		cmdType := aggregate.CommandType(command)
		l := logger.WithFields(logrus.Fields{
			"command":     cmdType,
			"aggregateId": command.AggregateID(),
		})
		if id := aggregate.CorrelationIDFromContext(ctx); id != "" {
			l = l.WithField("correlationId", id)
		}
		l.Infof("Dispatch: %s (aggregateID: %s)", cmdType, command.AggregateID())

		result, err := next(ctx, command)
		if err != nil {
			if aggregate.IsConcurrencyConflict(err) {
				l.Warnf("Dispatch conflicted: %s (aggregateID: %s): %v", cmdType, command.AggregateID(), err)
				return result, err
			}
			l.Errorf("Dispatch failed: %s (aggregateID: %s): %v", cmdType, command.AggregateID(), err)
			return result, err
		}

		l.WithFields(logrus.Fields{
			"stream":  result.Stream,
			"version": result.Version,
			"events":  result.Events,
		}).Debug("Dispatch succeeded")
		return result, nil
	}
}
