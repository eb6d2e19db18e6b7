package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/terraskye/aggregate"
	"github.com/terraskye/aggregate/publish"
)

// Writer is the subset of *kafka.Writer used by Publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes structured CloudEvents keyed by stream name, so the
// events of one aggregate land on one partition in order.
type Publisher struct {
	w      Writer
	source string
}

func NewPublisher(w Writer, source string) *Publisher {
	return &Publisher{w: w, source: source}
}

// NewWriter returns a writer for topic that partitions by message key.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (p *Publisher) Publish(ctx context.Context, events []aggregate.WireEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		body, err := publish.EncodeCloudEvent(ev, p.source)
		if err != nil {
			return err
		}
		msg := kafka.Message{
			Key:   []byte(ev.StreamName()),
			Value: body,
			Time:  time.UnixMilli(ev.TimestampUnixMs).UTC(),
			Headers: []kafka.Header{
				{Key: "content-type", Value: []byte(publish.ContentTypeCloudEvents)},
				{Key: "event-id", Value: []byte(ev.EventID)},
				{Key: "event-type", Value: []byte(ev.EventType)},
			},
		}
		for k, v := range ev.Headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		msgs = append(msgs, msg)
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish batch: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

var _ publish.Publisher = (*Publisher)(nil)
