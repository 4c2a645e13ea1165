package kafkago

import (
	"context"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by the emitter.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Emitter publishes outbox records with a synchronous kafka-go writer.
type Emitter struct {
	writer messageWriter
	topic  string
	logger rbx.Logger
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

// New creates an Emitter. The writer must not define a topic and must wait
// for the broker acks (not Async) since records are only retired on ack.
func New(w messageWriter, opts ...Option) *Emitter {
	if w == nil || reflect.ValueOf(w).IsNil() {
		panic("writer is mandatory")
	}
	e := &Emitter{
		writer: w,
		logger: &rbx.NopLogger{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewWriter returns a writer suited to the emitter: messages are hashed by
// key so the records of an aggregate share a partition, and every in-sync
// replica must ack them.
func NewWriter(brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (e *Emitter) SetLogger(l rbx.Logger) {
	e.logger = l
}

func (e *Emitter) Emit(ctx context.Context, r *rbx.OutboxRecord) error {
	topic := e.topic
	if topic == "" {
		topic = rbx.TopicFor(r.EventType)
	}
	var headers []kafka.Header
	for _, h := range rbx.Headers(r) {
		headers = append(headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
	}

	err := e.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(r.AggregateId),
		Value:   r.Payload,
		Headers: headers,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", rbx.ErrAmbiguousDelivery, err)
		}
		return err
	}
	e.logger.Debug(fmt.Sprintf("delivered record %d to topic %s", r.Id, topic))
	return nil
}
