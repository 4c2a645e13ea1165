package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/google/uuid"
)

const raNotSupported string = "RowsAffected not supported"

const outboxColumns = "id, aggregate_type, aggregate_id, event_type, payload, created_at, attempt_count, next_attempt_at, status, last_error"

// queries holds the statements of a repository already adapted to the
// placeholder style of the target database.
type queries struct {
	getOutboxLockRow string
	acquireLock      string
	extendLock       string
	releaseLock      string
	insertOutbox     string
	findPending      string
	deleteOutbox     string
	markFailed       string
	markDeadLetter   string
	findDeadLetters  string
	requeue          string
}

func newQueries(useDollar bool) queries {
	q := queries{
		getOutboxLockRow: "SELECT id, locked, locked_by, locked_at, locked_until, version FROM outbox_lock WHERE id=1",
		acquireLock:      "UPDATE outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?",
		extendLock:       "UPDATE outbox_lock SET locked_until=? WHERE id=1 AND locked=true AND locked_by=? AND locked_until > ?",
		releaseLock:      "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1 AND locked_by=?",
		insertOutbox: "INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload, created_at, attempt_count, next_attempt_at, status, last_error) " +
			"VALUES (?, ?, ?, ?, ?, 0, ?, 'pending', '')",
		findPending: "SELECT " + outboxColumns + " FROM outbox o WHERE o.status='pending' AND o.next_attempt_at <= ? " +
			"AND NOT EXISTS (SELECT 1 FROM outbox p WHERE p.aggregate_id=o.aggregate_id AND p.status='pending' AND p.id < o.id AND p.next_attempt_at > ?) " +
			"ORDER BY o.aggregate_id ASC, o.id ASC LIMIT ?",
		deleteOutbox:    "DELETE FROM outbox WHERE id=?",
		markFailed:      "UPDATE outbox SET attempt_count=?, next_attempt_at=?, last_error=? WHERE id=? AND status='pending'",
		markDeadLetter:  "UPDATE outbox SET attempt_count=?, status='dead_letter', last_error=? WHERE id=?",
		findDeadLetters: "SELECT " + outboxColumns + " FROM outbox WHERE status='dead_letter' ORDER BY id ASC LIMIT ?",
		requeue:         "UPDATE outbox SET status='pending', attempt_count=0, next_attempt_at=?, last_error='' WHERE id=? AND status='dead_letter'",
	}
	if useDollar {
		q.acquireLock = convertToDollarPlaceholder(q.acquireLock)
		q.extendLock = convertToDollarPlaceholder(q.extendLock)
		q.releaseLock = convertToDollarPlaceholder(q.releaseLock)
		q.insertOutbox = convertToDollarPlaceholder(q.insertOutbox)
		q.findPending = convertToDollarPlaceholder(q.findPending)
		q.deleteOutbox = convertToDollarPlaceholder(q.deleteOutbox)
		q.markFailed = convertToDollarPlaceholder(q.markFailed)
		q.markDeadLetter = convertToDollarPlaceholder(q.markDeadLetter)
		q.findDeadLetters = convertToDollarPlaceholder(q.findDeadLetters)
		q.requeue = convertToDollarPlaceholder(q.requeue)
	}
	return q
}

// Repository implements rbx.Repository on top of database/sql. It works with
// any driver whose placeholders are '?' (SQLite, MySQL) or '$n' (Postgres).
type Repository struct {
	txKey  rbx.TxKey
	db     *sql.DB
	q      queries
	logger rbx.Logger
}

var _ rbx.Loggable = (*Repository)(nil)
var _ rbx.Repository = (*Repository)(nil)

// New creates a Repository. The business transaction is searched in the
// context under txKey; useDollar must be true for Postgres drivers.
func New(txKey rbx.TxKey, db *sql.DB, useDollar bool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	return &Repository{
		txKey:  txKey,
		db:     db,
		q:      newQueries(useDollar),
		logger: &rbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l rbx.Logger) {
	r.logger = l
}

// WithinTx runs fn within a new *sql.Tx placed in the context under the
// repository txKey. If the context already carries a transaction fn joins it.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			r.logger.Error("rolling back the transaction", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit the transaction: %w", err)
	}
	return nil
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of sql.Tx.
func (r *Repository) Save(ctx context.Context, o *rbx.Outbox) error {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return errors.New("an *sql.Tx transaction was expected")
	}
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, r.q.insertOutbox, o.AggregateType, o.AggregateId, o.EventType, o.Payload, now, now)
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
	now := time.Now().UTC()
	if lock.locked && lock.lockedUntil.Time.After(now) {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, r.q.acquireLock, dispatcherId, now, now.Add(lease), lock.version+1, lock.version)
	if err != nil {
		return false, err
	}

	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	if ra == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}
	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherId.String()))
	return true, nil
}

// ExtendLock renews the lease of the given dispatcher if it is still live.
func (r *Repository) ExtendLock(ctx context.Context, dispatcherId uuid.UUID, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.q.extendLock, now.Add(lease), dispatcherId, now)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	return ra > 0, nil
}

// ReleaseLock releases the table lock on the 'outbox' table that was acquired by
// the specified dispatcher.
func (r *Repository) ReleaseLock(ctx context.Context, dispatcherId uuid.UUID) error {
	lock, err := r.getOutboxLockRow(ctx)
	if err != nil {
		return err
	}
	if !lock.locked || lock.lockedBy != dispatcherId {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, dispatcherId)
	}
	_, err = r.db.ExecContext(ctx, r.q.releaseLock, dispatcherId)
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
	return r.query(ctx, r.q.findPending, now, now, limit)
}

// FindDeadLetters retrieves the dead lettered records, oldest first.
func (r *Repository) FindDeadLetters(ctx context.Context, limit int) ([]*rbx.OutboxRecord, error) {
	return r.query(ctx, r.q.findDeadLetters, limit)
}

// Delete removes a delivered record from the outbox table.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, r.q.deleteOutbox, id)
	return err
}

// MarkFailed stores the attempt count and the schedule of the next attempt.
func (r *Repository) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastErr string) error {
	_, err := r.db.ExecContext(ctx, r.q.markFailed, attempts, nextAttemptAt.UTC(), lastErr, id)
	return err
}

// MarkDeadLetter moves the record to the dead letter status.
func (r *Repository) MarkDeadLetter(ctx context.Context, id int64, attempts int, lastErr string) error {
	_, err := r.db.ExecContext(ctx, r.q.markDeadLetter, attempts, lastErr, id)
	return err
}

// Requeue moves a dead lettered record back to pending.
func (r *Repository) Requeue(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q.requeue, now.UTC(), id)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	return ra > 0, nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]*rbx.OutboxRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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
	row := r.db.QueryRowContext(ctx, r.q.getOutboxLockRow)
	var lock outboxLock
	err := row.Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func convertToDollarPlaceholder(query string) string {
	count := 0
	for strings.Contains(query, "?") {
		count++
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", count), 1)
	}
	return query
}
