package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const outboxColumns = "id, aggregate_type, aggregate_id, event_type, payload, created_at, attempt_count, next_attempt_at, status, last_error"

const (
	getOutboxLockRowSql = "SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1"
	acquireLockSql      = "UPDATE outbox_lock SET locked=true, locked_by=$1, locked_at=$2, locked_until=$3, version=$4 WHERE id=1 AND version=$5"
	extendLockSql       = "UPDATE outbox_lock SET locked_until=$1 WHERE id=1 AND locked=true AND locked_by=$2 AND locked_until > $3"
	releaseLockSql      = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1 AND locked_by=$1"
	insertOutboxSql     = "INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload, created_at, attempt_count, next_attempt_at, status, last_error) " +
		"VALUES ($1, $2, $3, $4, $5, 0, $5, 'pending', '')"
	findPendingSql = "SELECT " + outboxColumns + " FROM outbox o WHERE o.status='pending' AND o.next_attempt_at <= $1 " +
		"AND NOT EXISTS (SELECT 1 FROM outbox p WHERE p.aggregate_id=o.aggregate_id AND p.status='pending' AND p.id < o.id AND p.next_attempt_at > $1) " +
		"ORDER BY o.aggregate_id ASC, o.id ASC LIMIT $2"
	deleteOutboxSql    = "DELETE FROM outbox WHERE id=$1"
	markFailedSql      = "UPDATE outbox SET attempt_count=$1, next_attempt_at=$2, last_error=$3 WHERE id=$4 AND status='pending'"
	markDeadLetterSql  = "UPDATE outbox SET attempt_count=$1, status='dead_letter', last_error=$2 WHERE id=$3"
	findDeadLettersSql = "SELECT " + outboxColumns + " FROM outbox WHERE status='dead_letter' ORDER BY id ASC LIMIT $1"
	requeueSql         = "UPDATE outbox SET status='pending', attempt_count=0, next_attempt_at=$1, last_error='' WHERE id=$2 AND status='dead_letter'"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repository implements rbx.Repository on top of a pgx/v5 pool.
type Repository struct {
	txKey  rbx.TxKey
	db     dbpool
	logger rbx.Logger
}

var _ rbx.Loggable = (*Repository)(nil)
var _ rbx.Repository = (*Repository)(nil)

func New(txKey rbx.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &rbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l rbx.Logger) {
	r.logger = l
}

// WithinTx runs fn within a new pgx.Tx placed in the context under the
// repository txKey. If the context already carries a transaction fn joins it.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			r.logger.Error("rolling back the transaction", rerr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	return nil
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *Repository) Save(ctx context.Context, o *rbx.Outbox) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return errors.New("a pgx.Tx transaction was expected")
	}
	_, err := tx.Exec(ctx, insertOutboxSql, o.AggregateType, o.AggregateId, o.EventType, o.Payload, time.Now().UTC())
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
	if lock.locked && lock.lockedUntil.Time.After(now) {
		return false, nil
	}
	ct, err := r.db.Exec(ctx, acquireLockSql, dispatcherId, now, now.Add(lease), lock.version+1, lock.version)
	if err != nil {
		return false, err
	}

	if ct.RowsAffected() == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}
	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherId.String()))
	return true, nil
}

// ExtendLock renews the lease of the given dispatcher if it is still live.
func (r *Repository) ExtendLock(ctx context.Context, dispatcherId uuid.UUID, lease time.Duration) (bool, error) {
	now := time.Now()
	ct, err := r.db.Exec(ctx, extendLockSql, now.Add(lease), dispatcherId, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReleaseLock releases the table lock on the 'outbox' table that was acquired by
// the specified dispatcher.
func (r *Repository) ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return err
	}
	if !lock.locked || uuid.UUID(lock.lockedBy.Bytes) != dispatcherId {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, dispatcherId)
	}
	_, err = r.db.Exec(ctx, releaseLockSql, dispatcherId)
	if err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", dispatcherId.String()))
	return nil
}

// FindPending retrieves the records due at now, skipping those whose aggregate
// has an older record waiting for its next attempt.
func (r *Repository) FindPending(ctx context.Context, now time.Time, limit int) ([]*rbx.OutboxRecord, error) {
	return r.query(ctx, findPendingSql, now, limit)
}

// FindDeadLetters retrieves the dead lettered records, oldest first.
func (r *Repository) FindDeadLetters(ctx context.Context, limit int) ([]*rbx.OutboxRecord, error) {
	return r.query(ctx, findDeadLettersSql, limit)
}

// Delete removes a delivered record from the outbox table.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, deleteOutboxSql, id)
	return err
}

// MarkFailed stores the attempt count and the schedule of the next attempt.
func (r *Repository) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastErr string) error {
	_, err := r.db.Exec(ctx, markFailedSql, attempts, nextAttemptAt, lastErr, id)
	return err
}

// MarkDeadLetter moves the record to the dead letter status.
func (r *Repository) MarkDeadLetter(ctx context.Context, id int64, attempts int, lastErr string) error {
	_, err := r.db.Exec(ctx, markDeadLetterSql, attempts, lastErr, id)
	return err
}

// Requeue moves a dead lettered record back to pending.
func (r *Repository) Requeue(ctx context.Context, id int64, now time.Time) (bool, error) {
	ct, err := r.db.Exec(ctx, requeueSql, now, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) ([]*rbx.OutboxRecord, error) {
	rows, err := r.db.Query(ctx, sql, args...)
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
	row := r.db.QueryRow(ctx, getOutboxLockRowSql)
	var lock outboxLock
	err := row.Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}
