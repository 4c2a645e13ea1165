package kafkago

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/segmentio/kafka-go"
)

const defaultRetryDelay = time.Second

// messageReader is the subset of *kafka.Reader used by the subscriber.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Subscriber consumes topics as a member of a consumer group. Offsets are
// committed once the handler succeeds; a failed message is fetched again
// from the last committed offset. Broker errors are retried the same way.
type Subscriber struct {
	newReader  func(topic string) messageReader
	retryDelay time.Duration
	logger     rbx.Logger
}

var _ rbx.Subscriber = (*Subscriber)(nil)
var _ rbx.Loggable = (*Subscriber)(nil)

func NewSubscriber(brokers []string, groupId string) *Subscriber {
	if len(brokers) == 0 {
		panic("brokers are mandatory")
	}
	if groupId == "" {
		panic("groupId is mandatory")
	}
	return &Subscriber{
		newReader: func(topic string) messageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: brokers,
				GroupID: groupId,
				Topic:   topic,
			})
		},
		retryDelay: defaultRetryDelay,
		logger:     &rbx.NopLogger{},
	}
}

func (s *Subscriber) SetLogger(l rbx.Logger) {
	s.logger = l
}

// Subscribe delivers the messages of topic to h until ctx is done.
func (s *Subscriber) Subscribe(ctx context.Context, topic string, h rbx.Handler) error {
	for {
		err := s.consume(ctx, topic, h)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Error(fmt.Sprintf("reading topic %s, retrying in %s", topic, s.retryDelay), err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.retryDelay):
		}
	}
}

// consume reads topic until ctx is done or a handler fails. A handler
// failure is reported with a nil error so the caller rewinds.
func (s *Subscriber) consume(ctx context.Context, topic string, h rbx.Handler) error {
	r := s.newReader(topic)
	defer func() {
		if err := r.Close(); err != nil {
			s.logger.Error("closing the kafka reader", err)
		}
	}()

	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			return err
		}
		m, err := rbx.ParseMessage(string(km.Key), km.Value, func(k string) string {
			for _, hd := range km.Headers {
				if hd.Key == k {
					return string(hd.Value)
				}
			}
			return ""
		})
		if err != nil {
			s.logger.Warn(fmt.Sprintf("discarding malformed message at offset %d: %v", km.Offset, err))
		} else if err := h(ctx, m); err != nil {
			s.logger.Error(fmt.Sprintf("handling message %d", m.Id), err)
			return nil
		}
		if err := r.CommitMessages(ctx, km); err != nil {
			return err
		}
	}
}
