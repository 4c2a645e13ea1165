package rabbitmq

import (
	"context"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// consumeChannel is the subset of *amqp.Channel used to consume.
type consumeChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// Subscriber consumes a durable queue named as the topic with manual acks.
// Failed messages are requeued.
type Subscriber struct {
	ch     consumeChannel
	logger rbx.Logger
}

var _ rbx.Subscriber = (*Subscriber)(nil)
var _ rbx.Loggable = (*Subscriber)(nil)

func NewSubscriber(ch consumeChannel) *Subscriber {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		panic("channel is mandatory")
	}
	return &Subscriber{
		ch:     ch,
		logger: &rbx.NopLogger{},
	}
}

func (s *Subscriber) SetLogger(l rbx.Logger) {
	s.logger = l
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string, h rbx.Handler) error {
	q, err := s.ch.QueueDeclare(topic, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("could not declare the queue %s: %w", topic, err)
	}
	tag := "relaybox-" + uuid.NewString()
	deliveries, err := s.ch.Consume(q.Name, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("could not consume the queue %s: %w", q.Name, err)
	}

	for {
		select {
		case <-ctx.Done():
			if err := s.ch.Cancel(tag, false); err != nil {
				s.logger.Error("cancelling the consumer", err)
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("the delivery channel of %s was closed", q.Name)
			}
			s.handle(ctx, d, h)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, d amqp.Delivery, h rbx.Handler) {
	m, err := rbx.ParseMessage(headerString(d.Headers, rbx.HeaderAggregateId), d.Body, func(k string) string {
		return headerString(d.Headers, k)
	})
	if err != nil {
		s.logger.Warn(fmt.Sprintf("rejecting malformed message %s: %v", d.MessageId, err))
		if err := d.Reject(false); err != nil {
			s.logger.Error("rejecting the message", err)
		}
		return
	}
	if err := h(ctx, m); err != nil {
		s.logger.Error(fmt.Sprintf("handling message %d", m.Id), err)
		if err := d.Nack(false, true); err != nil {
			s.logger.Error("requeueing the message", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		s.logger.Error("acknowledging the message", err)
	}
}

func headerString(t amqp.Table, k string) string {
	v, ok := t[k]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
