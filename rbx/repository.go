package rbx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TxKey is the context key under which repositories carry the running
// business transaction.
type TxKey any

// Repository manages outbox records persistent operations.
type Repository interface {

	// WithinTx runs fn inside a new store transaction. The transaction is
	// placed in the context passed to fn under the repository TxKey, and is
	// committed when fn returns nil or rolled back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Save persists an outbox record in the configured external storage.
	// This operation should be called inside an existing business transaction
	// provided in the context.
	Save(ctx context.Context, o *Outbox) error

	// AcquireLock gets the outbox lease for the given dispatcher for the given
	// duration. It returns false if another dispatcher holds a live lease.
	AcquireLock(ctx context.Context, dispatcherId uuid.UUID, lease time.Duration) (bool, error)

	// ExtendLock renews a live lease held by the given dispatcher for another
	// lease duration. It returns false if the lease expired or is held by
	// another dispatcher, in which case nothing is changed.
	ExtendLock(ctx context.Context, dispatcherId uuid.UUID, lease time.Duration) (bool, error)

	// ReleaseLock releases a lease held by the given dispatcher.
	ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error

	// FindPending returns up to limit pending records due at now, ordered by
	// (aggregate id, id). A record is not returned while an older pending
	// record of the same aggregate is waiting for its next attempt.
	FindPending(ctx context.Context, now time.Time, limit int) ([]*OutboxRecord, error)

	// Delete retires a delivered record.
	Delete(ctx context.Context, id int64) error

	// MarkFailed records a failed attempt and schedules the next one.
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastErr string) error

	// MarkDeadLetter moves a record out of the normal selection.
	MarkDeadLetter(ctx context.Context, id int64, attempts int, lastErr string) error

	// FindDeadLetters returns up to limit dead lettered records, oldest first.
	FindDeadLetters(ctx context.Context, limit int) ([]*OutboxRecord, error)

	// Requeue moves a dead lettered record back to pending with no attempts.
	// It returns false if no dead lettered record has the given id.
	Requeue(ctx context.Context, id int64, now time.Time) (bool, error)
}
