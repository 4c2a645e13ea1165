package rbx

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type txCtxKey struct{}

// memRepository is an in-memory Repository with the same selection rules as
// the SQL implementations.
type memRepository struct {
	mu          sync.Mutex
	seq         int64
	records     map[int64]*OutboxRecord
	lockedBy    uuid.UUID
	lockedUntil time.Time
	saveErr     error
	findErr     error
	extendErr   error
	extensions  int
}

func newMemRepository() *memRepository {
	return &memRepository{records: make(map[int64]*OutboxRecord)}
}

type memTx struct {
	staged []*Outbox
}

func (m *memRepository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := &memTx{}
	if err := fn(context.WithValue(ctx, txCtxKey{}, tx)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range tx.staged {
		m.insert(o)
	}
	return nil
}

func (m *memRepository) Save(ctx context.Context, o *Outbox) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	if tx, ok := ctx.Value(txCtxKey{}).(*memTx); ok {
		tx.staged = append(tx.staged, o)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insert(o)
	return nil
}

func (m *memRepository) insert(o *Outbox) {
	m.seq++
	now := time.Now()
	m.records[m.seq] = &OutboxRecord{
		Outbox:        *o,
		Id:            m.seq,
		CreatedAt:     now,
		NextAttemptAt: time.Time{},
		Status:        StatusPending,
	}
}

func (m *memRepository) AcquireLock(_ context.Context, id uuid.UUID, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockedBy != uuid.Nil && m.lockedBy != id && time.Now().Before(m.lockedUntil) {
		return false, nil
	}
	m.lockedBy = id
	m.lockedUntil = time.Now().Add(lease)
	return true, nil
}

func (m *memRepository) ExtendLock(_ context.Context, id uuid.UUID, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.extendErr != nil {
		return false, m.extendErr
	}
	m.extensions++
	now := time.Now()
	if m.lockedBy != id || !now.Before(m.lockedUntil) {
		return false, nil
	}
	m.lockedUntil = now.Add(lease)
	return true, nil
}

func (m *memRepository) ReleaseLock(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockedBy != id {
		return errors.New("unexpected lock status")
	}
	m.lockedBy = uuid.Nil
	return nil
}

func (m *memRepository) FindPending(_ context.Context, now time.Time, limit int) ([]*OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []*OutboxRecord
	for _, r := range m.records {
		if r.Status != StatusPending || r.NextAttemptAt.After(now) {
			continue
		}
		waiting := false
		for _, p := range m.records {
			if p.AggregateId == r.AggregateId && p.Status == StatusPending && p.Id < r.Id && p.NextAttemptAt.After(now) {
				waiting = true
				break
			}
		}
		if !waiting {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AggregateId != out[j].AggregateId {
			return out[i].AggregateId < out[j].AggregateId
		}
		return out[i].Id < out[j].Id
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepository) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memRepository) MarkFailed(_ context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[id]
	r.AttemptCount = attempts
	r.NextAttemptAt = next
	r.LastError = lastErr
	return nil
}

func (m *memRepository) MarkDeadLetter(_ context.Context, id int64, attempts int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[id]
	r.AttemptCount = attempts
	r.Status = StatusDeadLetter
	r.LastError = lastErr
	return nil
}

func (m *memRepository) FindDeadLetters(_ context.Context, limit int) ([]*OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OutboxRecord
	for _, r := range m.records {
		if r.Status == StatusDeadLetter {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepository) Requeue(_ context.Context, id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status != StatusDeadLetter {
		return false, nil
	}
	r.Status = StatusPending
	r.AttemptCount = 0
	r.NextAttemptAt = now
	r.LastError = ""
	return true, nil
}

func (m *memRepository) get(id int64) *OutboxRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil
	}
	c := *r
	return &c
}

func (m *memRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// fakeEmitter records every emission. The optional hook decides the outcome.
type fakeEmitter struct {
	mu        sync.Mutex
	hook      func(ctx context.Context, r *OutboxRecord) error
	attempts  []int64
	delivered []int64
}

func (f *fakeEmitter) Emit(ctx context.Context, r *OutboxRecord) error {
	var err error
	if f.hook != nil {
		err = f.hook(ctx, r)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, r.Id)
	if err == nil {
		f.delivered = append(f.delivered, r.Id)
	}
	return err
}

func (f *fakeEmitter) deliveredIds() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.delivered...)
}

func (f *fakeEmitter) attemptIds() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.attempts...)
}

type testLogger struct {
	mu     sync.Mutex
	errors []error
}

func (l *testLogger) Info(string)  {}
func (l *testLogger) Debug(string) {}
func (l *testLogger) Warn(string)  {}
func (l *testLogger) Error(_ string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, err)
}

type testCounter struct {
	n atomic.Int64
}

func (c *testCounter) Inc(delta int64) { c.n.Add(delta) }

// loggableRepository checks the logger propagation.
type loggableRepository struct {
	*memRepository
	logger Logger
}

func (r *loggableRepository) SetLogger(l Logger) { r.logger = l }
