package nats

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/nats-io/nats.go"
)

// jetStream is the subset of nats.JetStreamContext used by this package.
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	Subscribe(subj string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Emitter publishes outbox records to JetStream and waits for the publish
// ack. The record id is used as the message id so the stream discards
// duplicates inside its deduplication window.
type Emitter struct {
	js     jetStream
	topic  string
	logger rbx.Logger
}

var _ rbx.Emitter = (*Emitter)(nil)
var _ rbx.Loggable = (*Emitter)(nil)

// Option configures an Emitter.
type Option func(e *Emitter)

// WithTopic publishes every record to the given subject instead of the one
// derived from its event type.
func WithTopic(topic string) Option {
	return func(e *Emitter) {
		e.topic = topic
	}
}

func New(js jetStream, opts ...Option) *Emitter {
	if js == nil || reflect.ValueOf(js).IsNil() {
		panic("jetstream context is mandatory")
	}
	e := &Emitter{
		js:     js,
		logger: &rbx.NopLogger{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Emitter) SetLogger(l rbx.Logger) {
	e.logger = l
}

func (e *Emitter) Emit(ctx context.Context, r *rbx.OutboxRecord) error {
	subject := e.topic
	if subject == "" {
		subject = rbx.TopicFor(r.EventType)
	}
	msg := nats.NewMsg(subject)
	msg.Data = r.Payload
	msg.Header.Set(rbx.HeaderAggregateId, r.AggregateId)
	for _, h := range rbx.Headers(r) {
		msg.Header.Set(h.Key, h.Value)
	}

	ack, err := e.js.PublishMsg(msg, nats.Context(ctx), nats.MsgId(strconv.FormatInt(r.Id, 10)))
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("%w: %w", rbx.ErrAmbiguousDelivery, err)
		}
		return err
	}
	if ack.Duplicate {
		e.logger.Debug(fmt.Sprintf("record %d was already stored by stream %s", r.Id, ack.Stream))
	} else {
		e.logger.Debug(fmt.Sprintf("delivered record %d to stream %s at sequence %d", r.Id, ack.Stream, ack.Sequence))
	}
	return nil
}
