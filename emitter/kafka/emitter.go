package kafka

import (
	"context"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// kafkaProducer is the subset of *kafka.Producer used by the emitter.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// Emitter publishes outbox records with the confluent Kafka producer and
// waits for the delivery report of every message.
type Emitter struct {
	producer kafkaProducer
	topic    string
	logger   rbx.Logger
}

var _ rbx.Emitter = (*Emitter)(nil)
var _ rbx.Loggable = (*Emitter)(nil)

// Option configures an Emitter.
type Option func(e *Emitter)

// WithTopic publishes every record to the given topic instead of the one
// derived from its event type.
func WithTopic(topic string) Option {
	return func(e *Emitter) {
		e.topic = topic
	}
}

func New(p kafkaProducer, opts ...Option) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	e := &Emitter{
		producer: p,
		logger:   &rbx.NopLogger{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Emitter) SetLogger(l rbx.Logger) {
	e.logger = l
}

// Emit produces the record and blocks until its delivery report arrives or
// ctx is done. A done context leaves the outcome unknown.
func (e *Emitter) Emit(ctx context.Context, r *rbx.OutboxRecord) error {
	// buffered so a late report never blocks the producer
	dc := make(chan kafka.Event, 1)

	topic := e.topic
	if topic == "" {
		topic = rbx.TopicFor(r.EventType)
	}
	err := e.producer.Produce(newMessage(topic, r), dc)
	if err != nil {
		return fmt.Errorf("could not produce the message: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", rbx.ErrAmbiguousDelivery, ctx.Err())
		case ev := <-dc:
			m, ok := ev.(*kafka.Message)
			if !ok {
				e.logger.Debug(fmt.Sprintf("ignored event: %s", ev))
				continue
			}
			if m.TopicPartition.Error != nil {
				return m.TopicPartition.Error
			}
			e.logger.Debug(fmt.Sprintf("delivered message to topic %s [%d] at offset %v",
				*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
			return nil
		}
	}
}

func newMessage(topic string, r *rbx.OutboxRecord) *kafka.Message {
	var headers []kafka.Header
	for _, h := range rbx.Headers(r) {
		headers = append(headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(r.AggregateId),
		Value:          r.Payload,
		Headers:        headers,
	}
}
