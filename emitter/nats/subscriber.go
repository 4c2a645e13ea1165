package nats

import (
	"context"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/nats-io/nats.go"
)

type outcome int

const (
	ack  outcome = iota // handled
	nak                 // redeliver
	term                // never redeliver
)

// Subscriber consumes a subject through a durable JetStream consumer with
// manual acks. Failed messages are negatively acknowledged for redelivery.
type Subscriber struct {
	js      jetStream
	durable string
	logger  rbx.Logger
}

var _ rbx.Subscriber = (*Subscriber)(nil)
var _ rbx.Loggable = (*Subscriber)(nil)

func NewSubscriber(js jetStream, durable string) *Subscriber {
	if js == nil || reflect.ValueOf(js).IsNil() {
		panic("jetstream context is mandatory")
	}
	return &Subscriber{
		js:      js,
		durable: durable,
		logger:  &rbx.NopLogger{},
	}
}

func (s *Subscriber) SetLogger(l rbx.Logger) {
	s.logger = l
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string, h rbx.Handler) error {
	opts := []nats.SubOpt{nats.ManualAck()}
	if s.durable != "" {
		opts = append(opts, nats.Durable(s.durable))
	}
	sub, err := s.js.Subscribe(topic, func(msg *nats.Msg) {
		var err error
		switch s.handle(ctx, msg, h) {
		case ack:
			err = msg.Ack()
		case nak:
			err = msg.Nak()
		case term:
			err = msg.Term()
		}
		if err != nil {
			s.logger.Error("acknowledging the message", err)
		}
	}, opts...)
	if err != nil {
		return fmt.Errorf("could not subscribe to %s: %w", topic, err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		s.logger.Error("draining the subscription", err)
	}
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg, h rbx.Handler) outcome {
	m, err := rbx.ParseMessage(msg.Header.Get(rbx.HeaderAggregateId), msg.Data, msg.Header.Get)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("terminating malformed message on %s: %v", msg.Subject, err))
		return term
	}
	if err := h(ctx, m); err != nil {
		s.logger.Error(fmt.Sprintf("handling message %d", m.Id), err)
		return nak
	}
	return ack
}
