package rbx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type dispatcher struct {
	id            uuid.UUID
	settings      Settings
	logger        Logger
	emitter       Emitter
	repository    Repository
	successCtr    Counter
	errorCtr      Counter
	deadLetterCtr Counter
	now           func() time.Time
	wake          <-chan struct{}
}

// cycleResult summarizes one processing of the outbox.
type cycleResult struct {
	processed    int
	delivered    int
	failed       int
	deadLettered int
	skipped      int  // records held back because an older record of the aggregate failed
	abandoned    int  // records left untouched because the dispatcher is stopping or lost the lease
	leaseLost    bool // the lease could not be renewed during the cycle
}

// run implements the main dispatcher loop. A cycle is executed on every tick
// of the polling interval and whenever a write wakes the dispatcher up.
func (d *dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.settings.PollingInterval)
	defer ticker.Stop()
	for {
		d.cycle(ctx)
		select {
		case <-ctx.Done():
			d.logger.Debug(fmt.Sprintf("dispatcher '%s' stopped", d.id))
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// cycle processes the outbox only if this dispatcher gets the outbox lease,
// so that concurrent dispatchers never deliver the same records at once.
func (d *dispatcher) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	acquired, err := d.acquireOutboxLock(ctx)
	if err != nil {
		d.logger.Error("unable to get the lock", err)
		return
	}
	if !acquired {
		d.logger.Debug(fmt.Sprintf("the outbox is leased by another dispatcher, '%s' skips this cycle", d.id))
		return
	}

	res := d.processOutbox(ctx)
	if res.leaseLost {
		return
	}

	if err := d.releaseOutboxLock(ctx); err != nil {
		d.logger.Error("releasing the outbox lock", err)
	}
}

// acquireOutboxLock acquires the lease on the 'outbox' table.
func (d *dispatcher) acquireOutboxLock(ctx context.Context) (bool, error) {
	sctx, cancel := context.WithTimeout(ctx, d.settings.StoreTimeout)
	defer cancel()
	return d.repository.AcquireLock(sctx, d.id, d.settings.LeaseDuration)
}

// extendOutboxLock renews the lease before a record is delivered. A renewed
// lease outlives the delivery and the bookkeeping of that record.
func (d *dispatcher) extendOutboxLock(ctx context.Context) bool {
	sctx, cancel := context.WithTimeout(ctx, d.settings.StoreTimeout)
	defer cancel()
	extended, err := d.repository.ExtendLock(sctx, d.id, d.settings.LeaseDuration)
	if err != nil {
		d.logger.Error("renewing the outbox lock", err)
		return false
	}
	if !extended {
		d.logger.Warn(fmt.Sprintf("dispatcher '%s' lost the outbox lease", d.id))
	}
	return extended
}

// releaseOutboxLock releases the lease acquired in acquireOutboxLock(), even
// when the dispatcher is stopping.
func (d *dispatcher) releaseOutboxLock(ctx context.Context) error {
	sctx, cancel := d.storeContext(ctx)
	defer cancel()
	return d.repository.ReleaseLock(sctx, d.id)
}

// storeContext returns a context for bookkeeping writes. It survives the
// cancellation of ctx so an acknowledged record is still retired while the
// dispatcher is stopping.
func (d *dispatcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.settings.StoreTimeout)
}

// processOutbox delivers the due records in (aggregate, id) order. After a
// failed delivery the remaining records of the same aggregate are held back
// until the failed one goes through, preserving the per aggregate order.
func (d *dispatcher) processOutbox(ctx context.Context) cycleResult {
	var res cycleResult

	rctx, cancel := context.WithTimeout(ctx, d.settings.StoreTimeout)
	records, err := d.repository.FindPending(rctx, d.now(), d.settings.BatchSize)
	cancel()
	if err != nil {
		d.logger.Error("when trying to get pending outbox records", err)
		return res
	}
	if len(records) == 0 {
		d.logger.Debug("no pending outbox records")
		return res
	}

	d.logger.Debug(fmt.Sprintf("processing %d outbox records", len(records)))
	blocked := make(map[string]bool)
	for i, r := range records {
		if ctx.Err() != nil {
			res.abandoned += len(records) - i
			break
		}
		if blocked[r.AggregateId] {
			res.skipped++
			continue
		}
		if !d.extendOutboxLock(ctx) {
			res.leaseLost = ctx.Err() == nil
			res.abandoned += len(records) - i
			break
		}

		res.processed++
		err := d.emit(ctx, r)
		if err == nil {
			d.retire(ctx, r)
			res.delivered++
			continue
		}

		blocked[r.AggregateId] = true
		if ctx.Err() != nil {
			// the shutdown interrupted the delivery; the record stays as it was.
			res.abandoned += len(records) - i
			break
		}
		if d.recordFailure(ctx, r, err) {
			res.deadLettered++
		} else {
			res.failed++
		}
	}

	d.logger.Info(fmt.Sprintf("%d records were successfully delivered (with %d failed and %d dead lettered) from a total of %d processed from outbox",
		res.delivered, res.failed, res.deadLettered, res.processed))
	if res.abandoned > 0 {
		reason := "the dispatcher is stopping"
		if res.leaseLost {
			reason = "the outbox lease was lost"
		}
		d.logger.Warn(fmt.Sprintf("%d records left pending because %s", res.abandoned, reason))
	}
	return res
}

// emit sends a record waiting at most the publish timeout for the ack.
func (d *dispatcher) emit(ctx context.Context, r *OutboxRecord) error {
	pctx, cancel := context.WithTimeout(ctx, d.settings.PublishTimeout)
	defer cancel()
	err := d.emitter.Emit(pctx, r)
	if err != nil && pctx.Err() != nil && !errors.Is(err, ErrAmbiguousDelivery) {
		err = fmt.Errorf("%w: %w", ErrAmbiguousDelivery, err)
	}
	return err
}

// retire deletes a delivered record. If the delete fails the record will be
// delivered again, which consumers tolerate.
func (d *dispatcher) retire(ctx context.Context, r *OutboxRecord) {
	d.successCtr.Inc(1)
	sctx, cancel := d.storeContext(ctx)
	defer cancel()
	if err := d.repository.Delete(sctx, r.Id); err != nil {
		d.logger.Error(fmt.Sprintf("deleting delivered record %d", r.Id), err)
		return
	}
	d.logger.Debug(fmt.Sprintf("record %d delivered and deleted from outbox", r.Id))
}

// recordFailure persists a failed attempt: the record is rescheduled using
// the backoff, or dead lettered once it reaches the maximum attempts. It
// returns true if the record was dead lettered.
func (d *dispatcher) recordFailure(ctx context.Context, r *OutboxRecord, cause error) bool {
	d.errorCtr.Inc(1)
	attempts := r.AttemptCount + 1
	sctx, cancel := d.storeContext(ctx)
	defer cancel()

	if attempts >= d.settings.MaxAttempts {
		if err := d.repository.MarkDeadLetter(sctx, r.Id, attempts, cause.Error()); err != nil {
			d.logger.Error(fmt.Sprintf("moving record %d to dead letter", r.Id), err)
			return false
		}
		d.deadLetterCtr.Inc(1)
		d.logger.Error("delivery retries exhausted", &ExhaustedRetriesError{Record: r, Attempts: attempts, Err: cause})
		return true
	}

	next := d.now().Add(Backoff(attempts, d.settings.BackoffBase, d.settings.BackoffCap, d.settings.Jitter))
	if err := d.repository.MarkFailed(sctx, r.Id, attempts, next, cause.Error()); err != nil {
		d.logger.Error(fmt.Sprintf("scheduling next attempt of record %d", r.Id), err)
		return false
	}
	d.logger.Error("delivery problem", &TransientPublishError{Record: r, Attempt: attempts, NextAttemptAt: next, Err: cause})
	return false
}
