package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/publish"
)

type publisherLogger struct {
	logger *logrus.Entry
	next   publish.Publisher
}

func (p *publisherLogger) Publish(ctx context.Context, events []aggregate.WireEvent) error {
	if len(events) == 0 {
		return p.next.Publish(ctx, events)
	}
	stream := events[0].StreamName()
	p.logger.Debugf("Publish: %d event(s) of %s", len(events), stream)

	err := p.next.Publish(ctx, events)
	if err != nil {
		p.logger.Errorf("Publish failed: %d event(s) of %s: %v", len(events), stream, err)
	}
	return err
}

func (p *publisherLogger) Close() error {
	err := p.next.Close()
	if err != nil {
		p.logger.Errorf("Publisher close failed: %v", err)
	}
	return err
}

// WithPublisherLogging wraps a Publisher with logging functionality.
// It logs the stream and number of records before delivery, and logs errors
// if delivery fails.
func WithPublisherLogging(logger *logrus.Entry, next publish.Publisher) publish.Publisher {
	return &publisherLogger{
		logger: logger,
		next:   next,
	}
}
