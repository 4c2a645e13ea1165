package rbx

import (
	"time"
)

// Status is the relay status of an outbox record.
type Status string

const (
	StatusPending    Status = "pending"     // waiting to be delivered
	StatusDeadLetter Status = "dead_letter" // retries exhausted, kept for operator inspection
)

// Outbox contains high level information about a domain event and should be
// provided by the clients.
type Outbox struct {
	AggregateType string // the aggregate type (e.g. "User")
	AggregateId   string // the aggregate identifier
	EventType     string // the event type (e.g "USER_CREATED_EVENT")
	Payload       []byte // event payload
}

// OutboxRecord contains all the information stored in the underlying outbox
// table and is used internally.
type OutboxRecord struct {
	Outbox
	Id            int64     // store assigned, monotonic
	CreatedAt     time.Time // creation time of the record
	AttemptCount  int       // failed delivery attempts so far
	NextAttemptAt time.Time // the record is not selected before this instant
	Status        Status
	LastError     string // text of the last delivery failure, if any
}

// Message is the consumer side view of a relayed outbox record.
type Message struct {
	Id            int64
	AggregateType string
	AggregateId   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// NewMessage builds the message consumers will receive for the given record.
func NewMessage(r *OutboxRecord) *Message {
	return &Message{
		Id:            r.Id,
		AggregateType: r.AggregateType,
		AggregateId:   r.AggregateId,
		EventType:     r.EventType,
		Payload:       r.Payload,
		CreatedAt:     r.CreatedAt,
	}
}
