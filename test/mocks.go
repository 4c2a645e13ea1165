package test

import (
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	mu  sync.Mutex
	Ctr int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Ctr += delta
}

func (c *MockedTallyCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Ctr
}

// MockedKafkaProducer records the produced messages and answers them with a
// predefined delivery report. A nil report is never answered.
type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg
	if p.RetVal != nil {
		return p.RetVal
	}
	if p.MockedReportToSend != nil {
		go func() { deliveryChan <- p.MockedReportToSend }()
	}
	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}
