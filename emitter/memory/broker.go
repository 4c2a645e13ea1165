// Package memory provides an in-process broker for tests and demos. It
// implements both rbx.Emitter and rbx.Subscriber.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3rs4lg4d0/relaybox/rbx"
)

// ErrUnavailable is returned by Emit while injected failures remain.
var ErrUnavailable = errors.New("broker unavailable")

const redeliveryDelay = 10 * time.Millisecond

// Broker keeps every acknowledged message and fans it out to the current
// subscribers of its topic.
type Broker struct {
	mu        sync.Mutex
	topic     string
	failures  int
	published map[string][]*rbx.Message
	subs      map[string][]*subscription
	logger    rbx.Logger
}

var _ rbx.Emitter = (*Broker)(nil)
var _ rbx.Subscriber = (*Broker)(nil)
var _ rbx.Loggable = (*Broker)(nil)

// Option configures a Broker.
type Option func(b *Broker)

// WithTopic publishes every record to the given topic instead of the one
// derived from its event type.
func WithTopic(topic string) Option {
	return func(b *Broker) {
		b.topic = topic
	}
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		published: make(map[string][]*rbx.Message),
		subs:      make(map[string][]*subscription),
		logger:    &rbx.NopLogger{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) SetLogger(l rbx.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = l
}

// FailNext makes the next n calls to Emit fail with ErrUnavailable.
func (b *Broker) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
}

// Published returns the messages acknowledged on topic, in order.
func (b *Broker) Published(topic string) []*rbx.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*rbx.Message(nil), b.published[topic]...)
}

// Subscribers returns the number of active subscriptions to topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Topic returns the topic a record is published to.
func (b *Broker) Topic(eventType string) string {
	if b.topic != "" {
		return b.topic
	}
	return rbx.TopicFor(eventType)
}

func (b *Broker) Emit(ctx context.Context, r *rbx.OutboxRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", rbx.ErrAmbiguousDelivery, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return ErrUnavailable
	}
	topic := b.Topic(r.EventType)
	m := rbx.NewMessage(r)
	b.published[topic] = append(b.published[topic], m)
	for _, s := range b.subs[topic] {
		s.push(m)
	}
	b.logger.Debug(fmt.Sprintf("delivered record %d to topic %s", r.Id, topic))
	return nil
}

// Subscribe delivers the messages published on topic from now on. A message
// whose handler fails is delivered again.
func (b *Broker) Subscribe(ctx context.Context, topic string, h rbx.Handler) error {
	s := &subscription{signal: make(chan struct{}, 1)}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
	defer b.unsubscribe(topic, s)

	for {
		m, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.signal:
			}
			continue
		}
		for {
			err := h(ctx, m)
			if err == nil {
				break
			}
			b.logError(fmt.Sprintf("handling message %d", m.Id), err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(redeliveryDelay):
			}
		}
	}
}

func (b *Broker) unsubscribe(topic string, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == s {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Broker) logError(msg string, err error) {
	b.mu.Lock()
	l := b.logger
	b.mu.Unlock()
	l.Error(msg, err)
}

type subscription struct {
	mu     sync.Mutex
	queue  []*rbx.Message
	signal chan struct{}
}

func (s *subscription) push(m *rbx.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() (*rbx.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m, true
}
