package amqp

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/publish"
)

const publishTimeout = 3 * time.Second

// Channel is the subset of *amqp.Channel used by Publisher.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes structured CloudEvents to a topic exchange with the
// routing key "<aggregate type>.<event type>".
type Publisher struct {
	ch       Channel
	conn     *amqp.Connection
	exchange string
	source   string
}

// NewPublisher publishes on an existing channel. Close closes the channel.
func NewPublisher(ch Channel, exchange, source string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, source: source}
}

// Dial connects to url and declares exchange as a durable topic exchange so
// publish never fails due to missing infra.
func Dial(url, exchange, source string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", exchange, err)
	}
	p := NewPublisher(ch, exchange, source)
	p.conn = conn
	return p, nil
}

// RoutingKey returns the routing key of ev.
func RoutingKey(ev aggregate.WireEvent) string {
	return ev.AggregateType + "." + ev.EventType
}

func (p *Publisher) Publish(ctx context.Context, events []aggregate.WireEvent) error {
	for _, ev := range events {
		body, err := publish.EncodeCloudEvent(ev, p.source)
		if err != nil {
			return err
		}
		headers := amqp.Table{}
		for k, v := range ev.Headers {
			headers[k] = v
		}

		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = p.ch.PublishWithContext(pubCtx, p.exchange, RoutingKey(ev), false, false, amqp.Publishing{
			ContentType:   publish.ContentTypeCloudEvents,
			DeliveryMode:  amqp.Persistent,
			MessageId:     ev.EventID,
			CorrelationId: ev.CorrelationID,
			Timestamp:     time.UnixMilli(ev.TimestampUnixMs).UTC(),
			Type:          ev.EventType,
			Headers:       headers,
			Body:          body,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("publish %s to %s: %w", ev.EventID, p.exchange, err)
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

var _ publish.Publisher = (*Publisher)(nil)
