package rbx

import (
	"errors"
	"fmt"
	"time"
)

// ErrAmbiguousDelivery is wrapped by emitters when the broker outcome of a
// publish is unknown (e.g. the context expired while waiting for the ack).
// Ambiguous deliveries are retried, never considered successful.
var ErrAmbiguousDelivery = errors.New("ambiguous delivery outcome")

// PersistenceError is returned to write path callers when the business
// mutation and its outbox records could not be committed. Nothing of the
// mutation was applied.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TransientPublishError describes a failed delivery attempt that will be
// retried by the dispatcher. It never reaches the write path.
type TransientPublishError struct {
	Record        *OutboxRecord
	Attempt       int
	NextAttemptAt time.Time
	Err           error
}

func (e *TransientPublishError) Error() string {
	return fmt.Sprintf("delivery attempt %d of record %d failed, next attempt at %s: %v",
		e.Attempt, e.Record.Id, e.NextAttemptAt.Format(time.RFC3339Nano), e.Err)
}

func (e *TransientPublishError) Unwrap() error { return e.Err }

// ExhaustedRetriesError describes a record moved to the dead letter status.
type ExhaustedRetriesError struct {
	Record   *OutboxRecord
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("record %d dead lettered after %d attempts: %v", e.Record.Id, e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }
