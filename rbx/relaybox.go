package rbx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDispatcherDisabled = errors.New("the dispatcher is not enabled in the settings")
	ErrAlreadyStarted     = errors.New("the dispatcher was already started")
)

// Relaybox implements the transactional outbox: the write path stores outbox
// records within business transactions and the dispatcher relays them to the
// configured emitter.
type Relaybox struct {
	settings      Settings
	logger        Logger
	emitter       Emitter
	repository    Repository
	successCtr    Counter
	errorCtr      Counter
	deadLetterCtr Counter
	now           func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

// opt allows optional configuration.
type opt func(o *Relaybox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(o *Relaybox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure the success and error counters
// at once. Nil counters are ignored.
func WithCounters(success Counter, failure Counter) opt {
	return func(o *Relaybox) {
		WithOnSuccessCounter(success)(o)
		WithOnErrorCounter(failure)(o)
	}
}

// WithOnSuccessCounter allows clients to configure an optional counter
// of delivered records.
func WithOnSuccessCounter(co Counter) opt {
	return func(o *Relaybox) {
		if co != nil {
			o.successCtr = co
		}
	}
}

// WithOnErrorCounter allows clients to configure an optional counter
// of failed delivery attempts.
func WithOnErrorCounter(co Counter) opt {
	return func(o *Relaybox) {
		if co != nil {
			o.errorCtr = co
		}
	}
}

// WithOnDeadLetterCounter allows clients to configure an optional counter
// of records moved to the dead letter status.
func WithOnDeadLetterCounter(co Counter) opt {
	return func(o *Relaybox) {
		if co != nil {
			o.deadLetterCtr = co
		}
	}
}

// WithClock replaces the clock used to schedule attempts.
func WithClock(now func() time.Time) opt {
	return func(o *Relaybox) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates a Relaybox using the provided settings, options, Repository and
// Emitter implementations. The emitter is only mandatory when the dispatcher
// is enabled.
func New(s Settings, r Repository, e Emitter, options ...opt) *Relaybox {
	if r == nil {
		panic("you must provide a repository")
	}
	if s.EnableDispatcher && e == nil {
		panic("you must provide an emitter when the dispatcher is enabled")
	}

	validateSettings(&s)

	rb := &Relaybox{
		settings:      s,
		logger:        &NopLogger{},
		emitter:       e,
		repository:    r,
		successCtr:    &NopCounter{},
		errorCtr:      &NopCounter{},
		deadLetterCtr: &NopCounter{},
		now:           time.Now,
		wake:          make(chan struct{}, 1),
	}

	for _, o := range options {
		o(rb)
	}

	propagateLogger(rb.logger, e, r)

	return rb
}

// WriteFunc applies a business mutation using the transaction carried by ctx
// and returns the outbox records describing it.
type WriteFunc func(ctx context.Context) ([]*Outbox, error)

// Write runs fn and stores the outbox records it returns within one store
// transaction: either the mutation and all its records are committed or
// nothing is. Failures are returned as *PersistenceError. The broker is never
// contacted here; a running dispatcher is only woken up after the commit.
func (rb *Relaybox) Write(ctx context.Context, fn WriteFunc) error {
	err := rb.repository.WithinTx(ctx, func(ctx context.Context) error {
		records, err := fn(ctx)
		if err != nil {
			return err
		}
		for _, o := range records {
			if err := rb.repository.Save(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var pe *PersistenceError
		if errors.As(err, &pe) {
			return err
		}
		return &PersistenceError{Op: "write", Err: err}
	}

	rb.notify()
	return nil
}

// Publish publishes a domain event reliably within a business transaction
// already present in the context, utilizing the polling publisher variant of
// the Transactional Outbox pattern.
func (rb *Relaybox) Publish(ctx context.Context, o *Outbox) error {
	if err := rb.repository.Save(ctx, o); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

// Start launches the dispatcher in its own goroutine. It runs until ctx is
// done or Stop is called.
func (rb *Relaybox) Start(ctx context.Context) error {
	if !rb.settings.EnableDispatcher {
		return ErrDispatcherDisabled
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.started {
		return ErrAlreadyStarted
	}
	rb.started = true

	ctx, rb.cancel = context.WithCancel(ctx)
	rb.done = make(chan struct{})

	d := rb.newDispatcher()
	rb.logger.Debug("the polling publisher dispatcher is enabled")
	go func() {
		defer close(rb.done)
		d.run(ctx)
	}()
	return nil
}

// Stop gracefully shuts down the dispatcher. The record being delivered
// either completes its bookkeeping or is left pending for the next run.
// It waits for the dispatcher until ctx is done. Stopping a dispatcher that
// was never started is a no-op, and a stopped dispatcher can be started again.
func (rb *Relaybox) Stop(ctx context.Context) error {
	rb.mu.Lock()
	cancel, done := rb.cancel, rb.done
	rb.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.done == done {
		rb.started = false
		rb.cancel = nil
		rb.done = nil
	}
	return nil
}

// DeadLetters returns up to limit dead lettered records for inspection.
func (rb *Relaybox) DeadLetters(ctx context.Context, limit int) ([]*OutboxRecord, error) {
	return rb.repository.FindDeadLetters(ctx, limit)
}

// Requeue moves a dead lettered record back to the pending status so the
// dispatcher delivers it again from scratch.
func (rb *Relaybox) Requeue(ctx context.Context, id int64) (bool, error) {
	requeued, err := rb.repository.Requeue(ctx, id, rb.now())
	if err == nil && requeued {
		rb.notify()
	}
	return requeued, err
}

// notify wakes up a running dispatcher without blocking.
func (rb *Relaybox) notify() {
	select {
	case rb.wake <- struct{}{}:
	default:
	}
}

func (rb *Relaybox) newDispatcher() *dispatcher {
	return &dispatcher{
		id:            uuid.New(),
		settings:      rb.settings,
		logger:        rb.logger,
		emitter:       rb.emitter,
		repository:    rb.repository,
		successCtr:    rb.successCtr,
		errorCtr:      rb.errorCtr,
		deadLetterCtr: rb.deadLetterCtr,
		now:           rb.now,
		wake:          rb.wake,
	}
}
