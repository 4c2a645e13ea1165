package tally

import (
	"github.com/3rs4lg4d0/relaybox/rbx"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ rbx.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// Counters groups the relay counters of a scope.
type Counters struct {
	Delivered    *Counter
	Failed       *Counter
	DeadLettered *Counter
	Duplicates   *Counter
}

// NewCounters creates the relay counters in the given scope.
func NewCounters(scope tally.Scope) *Counters {
	return &Counters{
		Delivered:    &Counter{Counter: scope.Counter("outbox_delivered")},
		Failed:       &Counter{Counter: scope.Counter("outbox_delivery_failed")},
		DeadLettered: &Counter{Counter: scope.Counter("outbox_dead_lettered")},
		Duplicates:   &Counter{Counter: scope.Counter("consumer_duplicates")},
	}
}
