package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/3rs4lg4d0/relaybox/rbx"
	amqp "github.com/rabbitmq/amqp091-go"
)

// returnsBuffer bounds the returned messages not yet seen by Emit.
const returnsBuffer = 64

var (
	// ErrNacked is returned when the broker refuses a published message.
	ErrNacked = errors.New("message was nacked by the broker")
	// ErrUnroutable is returned when no queue is bound for the routing key.
	// The broker confirms such a message after returning it, so the record
	// is kept and retried.
	ErrUnroutable = errors.New("message could not be routed to any queue")
)

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type publisher interface {
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	// returned reports whether the broker returned the message with the
	// given id. It must be called once the message is confirmed.
	returned(messageId string) bool
}

// confirmChannel is the subset of *amqp.Channel used to publish.
type confirmChannel interface {
	Confirm(noWait bool) error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// channelPublisher publishes mandatory messages. The broker sends the return
// of an unroutable message before its confirmation, so by the time a message
// is confirmed its return, if any, is already buffered in returns.
type channelPublisher struct {
	ch      confirmChannel
	mu      sync.Mutex
	returns chan amqp.Return
}

func newChannelPublisher(ch confirmChannel) *channelPublisher {
	return &channelPublisher{
		ch:      ch,
		returns: ch.NotifyReturn(make(chan amqp.Return, returnsBuffer)),
	}
}

func (p *channelPublisher) returned(messageId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	found := false
	for {
		select {
		case r, ok := <-p.returns:
			if !ok {
				return found
			}
			if r.MessageId == messageId {
				found = true
			}
		default:
			return found
		}
	}
}

func (p *channelPublisher) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("the channel is not in confirm mode")
	}
	return dc, nil
}

// Emitter publishes outbox records on a channel in confirm mode and waits
// for the broker confirmation of each one.
type Emitter struct {
	publisher publisher
	exchange  string
	topic     string
	logger    rbx.Logger
}

var _ rbx.Emitter = (*Emitter)(nil)
var _ rbx.Loggable = (*Emitter)(nil)

// Option configures an Emitter.
type Option func(e *Emitter)

// WithExchange publishes to the given exchange. By default messages go to
// the default exchange, which routes them to the queue named as the topic.
func WithExchange(exchange string) Option {
	return func(e *Emitter) {
		e.exchange = exchange
	}
}

// WithTopic uses the given routing key instead of the one derived from the
// event type.
func WithTopic(topic string) Option {
	return func(e *Emitter) {
		e.topic = topic
	}
}

// New puts ch in confirm mode and returns an Emitter publishing mandatory
// messages on it.
func New(ch confirmChannel, opts ...Option) (*Emitter, error) {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		panic("channel is mandatory")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("could not put the channel in confirm mode: %w", err)
	}
	return newEmitter(newChannelPublisher(ch), opts...), nil
}

func newEmitter(p publisher, opts ...Option) *Emitter {
	e := &Emitter{
		publisher: p,
		logger:    &rbx.NopLogger{},
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
	key := e.topic
	if key == "" {
		key = rbx.TopicFor(r.EventType)
	}
	headers := amqp.Table{rbx.HeaderAggregateId: r.AggregateId}
	for _, h := range rbx.Headers(r) {
		headers[h.Key] = h.Value
	}

	id := fmt.Sprint(r.Id)
	c, err := e.publisher.publish(ctx, e.exchange, key, amqp.Publishing{
		Headers:      headers,
		MessageId:    id,
		Type:         r.EventType,
		Timestamp:    r.CreatedAt,
		DeliveryMode: amqp.Persistent,
		Body:         r.Payload,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", rbx.ErrAmbiguousDelivery, err)
		}
		return fmt.Errorf("could not publish the message: %w", err)
	}

	acked, err := c.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", rbx.ErrAmbiguousDelivery, err)
	}
	if !acked {
		return ErrNacked
	}
	if e.publisher.returned(id) {
		return fmt.Errorf("%w: routing key %s", ErrUnroutable, key)
	}
	e.logger.Debug(fmt.Sprintf("delivered record %d with routing key %s", r.Id, key))
	return nil
}
