package nats

import (
	"context"
	"fmt"

	natsgo "github.com/nats-io/nats.go"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/publish"
)

// Conn is the subset of *nats.Conn used by Publisher.
type Conn interface {
	PublishMsg(m *natsgo.Msg) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// Publisher publishes structured CloudEvents on the subject
// "<prefix>.<aggregate type>.<event type>". The event id is sent as
// Nats-Msg-Id so JetStream streams deduplicate redeliveries.
type Publisher struct {
	conn   Conn
	prefix string
	source string
}

func NewPublisher(conn Conn, prefix, source string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix, source: source}
}

// Connect dials url and returns a publisher owning the connection.
func Connect(url, prefix, source string) (*Publisher, error) {
	nc, err := natsgo.Connect(url, natsgo.MaxReconnects(3))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewPublisher(nc, prefix, source), nil
}

// Subject returns the subject of ev.
func (p *Publisher) Subject(ev aggregate.WireEvent) string {
	subject := ev.AggregateType + "." + ev.EventType
	if p.prefix != "" {
		subject = p.prefix + "." + subject
	}
	return subject
}

func (p *Publisher) Publish(ctx context.Context, events []aggregate.WireEvent) error {
	for _, ev := range events {
		body, err := publish.EncodeCloudEvent(ev, p.source)
		if err != nil {
			return err
		}
		msg := natsgo.NewMsg(p.Subject(ev))
		msg.Data = body
		msg.Header.Set(natsgo.MsgIdHdr, ev.EventID)
		msg.Header.Set("Content-Type", publish.ContentTypeCloudEvents)
		for k, v := range ev.Headers {
			msg.Header.Set(k, v)
		}
		if err := p.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish %s to %s: %w", ev.EventID, msg.Subject, err)
		}
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.conn.Close()
	return nil
}

var _ publish.Publisher = (*Publisher)(nil)
