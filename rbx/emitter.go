package rbx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/iancoleman/strcase"
)

// Emitter defines the contract for emitters of outbox records.
type Emitter interface {
	// Emit sends the information contained in the outbox record to a message
	// broker and waits for its acknowledgment. It must return nil only when
	// the broker confirmed the message; any other outcome, including an
	// unknown one, must be reported as an error so the record is retried.
	Emit(ctx context.Context, r *OutboxRecord) error
}

// Handler processes a message received from a broker. Returning an error
// leaves the message unacknowledged so the broker redelivers it.
type Handler func(ctx context.Context, m *Message) error

// Subscriber defines the contract for the consumer side of a broker.
type Subscriber interface {
	// Subscribe delivers the messages of a topic to h, at least once, until
	// ctx is done.
	Subscribe(ctx context.Context, topic string, h Handler) error
}

// Header names used by every emitter to carry record metadata.
const (
	HeaderId            = "id"
	HeaderAggregateType = "aggregateType"
	HeaderEventType     = "eventType"
	HeaderCreatedAt     = "createdAt"

	// HeaderAggregateId carries the aggregate id on brokers without message keys.
	HeaderAggregateId = "aggregateId"
)

// TopicFor builds a topic name from an event type (e.g. if eventType="RestaurantCreated"
// or "RESTAURANT_CREATED" then topic name is "outbox-restaurant-created").
func TopicFor(eventType string) string {
	return fmt.Sprintf("outbox-%s", strcase.ToKebab(eventType))
}

// Header is a message header as written by the emitters.
type Header struct {
	Key   string
	Value string
}

// Headers returns the metadata headers attached to the message of a record.
func Headers(r *OutboxRecord) []Header {
	return []Header{
		{Key: HeaderId, Value: strconv.FormatInt(r.Id, 10)},
		{Key: HeaderAggregateType, Value: r.AggregateType},
		{Key: HeaderEventType, Value: r.EventType},
		{Key: HeaderCreatedAt, Value: strconv.FormatInt(r.CreatedAt.UnixMilli(), 10)},
	}
}

// ParseMessage rebuilds a Message from the key, payload and headers of a
// received broker message. header returns the value of a header or "".
func ParseMessage(key string, payload []byte, header func(string) string) (*Message, error) {
	id, err := strconv.ParseInt(header(HeaderId), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %q header: %w", HeaderId, err)
	}
	m := &Message{
		Id:            id,
		AggregateType: header(HeaderAggregateType),
		AggregateId:   key,
		EventType:     header(HeaderEventType),
		Payload:       payload,
	}
	if v := header(HeaderCreatedAt); v != "" {
		millis, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %q header: %w", HeaderCreatedAt, err)
		}
		m.CreatedAt = time.UnixMilli(millis)
	}
	return m, nil
}
