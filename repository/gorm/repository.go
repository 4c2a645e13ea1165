package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const outboxColumns = "id, aggregate_type, aggregate_id, event_type, payload, created_at, attempt_count, next_attempt_at, status, last_error"

const (
	getOutboxLockRowSql = "SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1"
	acquireLockSql      = "UPDATE outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?"
	extendLockSql       = "UPDATE outbox_lock SET locked_until=? WHERE id=1 AND locked=true AND locked_by=? AND locked_until > ?"
	releaseLockSql      = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1 AND locked_by=?"
	insertOutboxSql     = "INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload, created_at, attempt_count, next_attempt_at, status, last_error) " +
		"VALUES (?, ?, ?, ?, ?, 0, ?, 'pending', '')"
	findPendingSql = "SELECT " + outboxColumns + " FROM outbox o WHERE o.status='pending' AND o.next_attempt_at <= ? " +
		"AND NOT EXISTS (SELECT 1 FROM outbox p WHERE p.aggregate_id=o.aggregate_id AND p.status='pending' AND p.id < o.id AND p.next_attempt_at > ?) " +
		"ORDER BY o.aggregate_id ASC, o.id ASC LIMIT ?"
	deleteOutboxSql    = "DELETE FROM outbox WHERE id=?"
	markFailedSql      = "UPDATE outbox SET attempt_count=?, next_attempt_at=?, last_error=? WHERE id=? AND status='pending'"
	markDeadLetterSql  = "UPDATE outbox SET attempt_count=?, status='dead_letter', last_error=? WHERE id=?"
	findDeadLettersSql = "SELECT " + outboxColumns + " FROM outbox WHERE status='dead_letter' ORDER BY id ASC LIMIT ?"
	requeueSql         = "UPDATE outbox SET status='pending', attempt_count=0, next_attempt_at=?, last_error='' WHERE id=? AND status='dead_letter'"
)

// Repository implements rbx.Repository on top of gorm.
type Repository struct {
	txKey  rbx.TxKey
	db     *gorm.DB
	logger rbx.Logger
}

var _ rbx.Loggable = (*Repository)(nil)
var _ rbx.Repository = (*Repository)(nil)

func New(txKey rbx.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &rbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l rbx.Logger) {
	r.logger = l
}

// WithinTx runs fn within a gorm transaction placed in the context under the
// repository txKey. If the context already carries a transaction fn joins it.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, o *rbx.Outbox) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return errors.New("a *gorm.DB transaction was expected")
	}
	now := time.Now().UTC()
	err := tx.WithContext(ctx).Exec(insertOutboxSql, o.AggregateType, o.AggregateId, o.EventType, o.Payload, now, now).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// AcquireLock obtains a table lock on the 'outbox' table by employing a database lock
// strategy through the use of the auxiliary table 'outbox_lock'.
func (r *Repository) AcquireLock(ctx context.Context, dispatcherId uuid.UUID, lease time.Duration) (bool, error) {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return false, err
	}
	now := time.Now()
	if lock.Locked && lock.LockedUntil.Time.After(now) {
		return false, nil
	}
	res := r.db.WithContext(ctx).Exec(acquireLockSql, dispatcherId, now, now.Add(lease), lock.Version+1, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}

	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherId.String()))
	return true, nil
}

// ExtendLock renews the lease of the given dispatcher if it is still live.
func (r *Repository) ExtendLock(ctx context.Context, dispatcherId uuid.UUID, lease time.Duration) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Exec(extendLockSql, now.Add(lease), dispatcherId, now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseLock releases the table lock on the 'outbox' table that was acquired by
// the specified dispatcher.
func (r *Repository) ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return err
	}
	if !lock.Locked || lock.LockedBy != dispatcherId {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, dispatcherId)
	}
	err = r.db.WithContext(ctx).Exec(releaseLockSql, dispatcherId).Error
	if err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", dispatcherId.String()))
	return nil
}

// FindPending retrieves the records due at now, skipping those whose aggregate
// has an older record waiting for its next attempt.
func (r *Repository) FindPending(ctx context.Context, now time.Time, limit int) ([]*rbx.OutboxRecord, error) {
	now = now.UTC()
	return r.query(ctx, findPendingSql, now, now, limit)
}

// FindDeadLetters retrieves the dead lettered records, oldest first.
func (r *Repository) FindDeadLetters(ctx context.Context, limit int) ([]*rbx.OutboxRecord, error) {
	return r.query(ctx, findDeadLettersSql, limit)
}

// Delete removes a delivered record from the outbox table.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Exec(deleteOutboxSql, id).Error
}

// MarkFailed stores the attempt count and the schedule of the next attempt.
func (r *Repository) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastErr string) error {
	return r.db.WithContext(ctx).Exec(markFailedSql, attempts, nextAttemptAt.UTC(), lastErr, id).Error
}

// MarkDeadLetter moves the record to the dead letter status.
func (r *Repository) MarkDeadLetter(ctx context.Context, id int64, attempts int, lastErr string) error {
	return r.db.WithContext(ctx).Exec(markDeadLetterSql, attempts, lastErr, id).Error
}

// Requeue moves a dead lettered record back to pending.
func (r *Repository) Requeue(ctx context.Context, id int64, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Exec(requeueSql, now.UTC(), id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) ([]*rbx.OutboxRecord, error) {
	rows, err := r.db.WithContext(ctx).Raw(sql, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ors []*rbx.OutboxRecord
	for rows.Next() {
		or, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		ors = append(ors, or)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ors, nil
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	row := r.db.WithContext(ctx).Raw(getOutboxLockRowSql).Row()
	var lock outboxLock
	err := row.Scan(&lock.ID, &lock.Locked, &lock.LockedBy, &lock.LockedAt, &lock.LockedUntil, &lock.Version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}
