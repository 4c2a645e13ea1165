package gorm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/3rs4lg4d0/relaybox/test"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDispatcherId uuid.UUID = uuid.New()

func openMockedGorm() (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, _ := sqlmock.New()
	gormDB, _ := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{Logger: logger.Discard})
	return gormDB, mock
}

func createSqlMockRepository() (*Repository, sqlmock.Sqlmock) {
	gormDB, mock := openMockedGorm()
	repository := New(test.DefaultCtxKey, gormDB)
	repository.SetLogger(&rbx.NopLogger{})
	return repository, mock
}

func TestNew(t *testing.T) {
	gormDB, _ := openMockedGorm()
	type args struct {
		txKey rbx.TxKey
		db    *gorm.DB
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "valid txKey and valid db",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    gormDB,
			},
			wantPanic: false,
		},
		{
			name: "txKey is nil",
			args: args{
				txKey: nil,
			},
			wantPanic: true,
		},
		{
			name: "db is nil",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    nil,
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.txKey, tc.args.db)
				})
			} else {
				assert.NotPanics(t, func() {
					New(tc.args.txKey, tc.args.db)
				})
			}
		})
	}
}

func TestWithinTx(t *testing.T) {
	errBusiness := errors.New("business error")
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		fn               func(r *Repository) func(ctx context.Context) error
		wantErr          error
	}{
		{
			name: "transaction is committed",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(6)...).WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
			fn: func(r *Repository) func(ctx context.Context) error {
				return func(ctx context.Context) error {
					return r.Save(ctx, test.NewOutbox("1"))
				}
			},
		},
		{
			name: "transaction is rolled back",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectRollback()
			},
			fn: func(r *Repository) func(ctx context.Context) error {
				return func(ctx context.Context) error {
					return errBusiness
				}
			},
			wantErr: errBusiness,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r, mock := createSqlMockRepository()
			tc.mockExpectations(mock)
			err := r.WithinTx(context.Background(), tc.fn(r))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSave(t *testing.T) {
	testcases := []struct {
		name       string
		ctx        func() context.Context
		wantErr    bool
		wantErrMsg string
	}{
		{
			name: "valid context and valid record",
			ctx: func() context.Context {
				gormDB, mock := openMockedGorm()
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(6)...).WillReturnResult(sqlmock.NewResult(1, 1))
				return context.WithValue(context.Background(), test.DefaultCtxKey, gormDB.Begin())
			},
			wantErr: false,
		},
		{
			name: "context without an existing transaction",
			ctx: func() context.Context {
				return context.Background()
			},
			wantErr:    true,
			wantErrMsg: "a *gorm.DB transaction was expected",
		},
		{
			name: "simulate error when saving",
			ctx: func() context.Context {
				gormDB, mock := openMockedGorm()
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(6)...).WillReturnError(errors.New("error#1"))
				return context.WithValue(context.Background(), test.DefaultCtxKey, gormDB.Begin())
			},
			wantErr:    true,
			wantErrMsg: "could not persist the outbox record: error#1",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := createSqlMockRepository()
			err := r.Save(tc.ctx(), test.NewOutbox("1"))
			if !tc.wantErr {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
			}
		})
	}
}

func TestAcquireLock(t *testing.T) {
	const acquireLockSqlRegEx string = "UPDATE outbox_lock SET locked=true.+"
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantAcquired     bool
		wantErr          bool
		wantErrMsg       string
	}{
		{
			name: "lock successfully acquired",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock, testDispatcherId)
				mock.ExpectExec(acquireLockSqlRegEx).WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 2, 1).WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantAcquired: true,
		},
		{
			name: "lock already acquired",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, uuid.New())
			},
			wantAcquired: false,
		},
		{
			name: "simulate error when scanning lock row",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				rows := test.MockUnlockedOutboxLock(mock, testDispatcherId)
				rows.RowError(0, errors.New("error#2"))
			},
			wantErr:    true,
			wantErrMsg: "error#2",
		},
		{
			name: "simulate error when updating row",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock, testDispatcherId)
				mock.ExpectExec(acquireLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnError(errors.New("error#3"))
			},
			wantErr:    true,
			wantErrMsg: "error#3",
		},
		{
			name: "simulate 0 rows affected",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock, testDispatcherId)
				mock.ExpectExec(acquireLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr:    true,
			wantErrMsg: "race condition detected during the optimistic locking",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)
			acquired, err := repo.AcquireLock(context.Background(), testDispatcherId, time.Minute)
			assert.Equal(t, tc.wantAcquired, acquired)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExtendLock(t *testing.T) {
	const extendLockSqlRegEx string = "UPDATE outbox_lock SET locked_until=.+"
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantExtended     bool
		wantErrMsg       string
	}{
		{
			name: "live lease is extended",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(extendLockSqlRegEx).WithArgs(sqlmock.AnyArg(), testDispatcherId, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantExtended: true,
		},
		{
			name: "lost lease is not extended",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(extendLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(3)...).WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantExtended: false,
		},
		{
			name: "simulate error when extending",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(extendLockSqlRegEx).WithArgs(test.GenerateAnyArgsSlice(3)...).WillReturnError(errors.New("error#6"))
			},
			wantErrMsg: "error#6",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)
			extended, err := repo.ExtendLock(context.Background(), testDispatcherId, time.Minute)
			assert.Equal(t, tc.wantExtended, extended)
			if tc.wantErrMsg != "" {
				assert.EqualError(t, err, tc.wantErrMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReleaseLock(t *testing.T) {
	const releaseLockSqlRegEx string = "UPDATE outbox_lock SET locked=false.+"
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantErr          bool
		wantErrMsg       string
	}{
		{
			name: "lock successfully released",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, testDispatcherId)
				mock.ExpectExec(releaseLockSqlRegEx).WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "error trying to release a free lock",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockUnlockedOutboxLock(mock, testDispatcherId)
			},
			wantErr:    true,
			wantErrMsg: "unexpected lock status",
		},
		{
			name: "error trying to release a lock held by another dispatcher",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, uuid.New())
			},
			wantErr:    true,
			wantErrMsg: "unexpected lock status",
		},
		{
			name: "simulate error when releasing lock",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockLockedOutboxLock(mock, testDispatcherId)
				mock.ExpectExec(releaseLockSqlRegEx).WithArgs(sqlmock.AnyArg()).WillReturnError(errors.New("error#5"))
			},
			wantErr:    true,
			wantErrMsg: "error#5",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)
			err := repo.ReleaseLock(context.Background(), testDispatcherId)
			if tc.wantErr {
				assert.Error(t, err)
				assert.True(t, strings.HasPrefix(err.Error(), tc.wantErrMsg))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFindPending(t *testing.T) {
	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantIds          []int64
		wantErrMsg       string
	}{
		{
			name: "records are scanned",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				test.MockOutboxRows(mock)
			},
			wantIds: []int64{1, 2, 3},
		},
		{
			name: "simulate error when querying table",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM outbox (.+)").WithArgs(test.GenerateAnyArgsSlice(3)...).WillReturnError(errors.New("error#6"))
			},
			wantErrMsg: "error#6",
		},
		{
			name: "simulate error when iterating rows",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				rows := test.MockOutboxRows(mock)
				rows.RowError(1, errors.New("error#8"))
			},
			wantErrMsg: "error#8",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)
			records, err := repo.FindPending(context.Background(), time.Now(), 10)
			if tc.wantErrMsg != "" {
				assert.EqualError(t, err, tc.wantErrMsg)
				return
			}
			require.NoError(t, err)
			var ids []int64
			for _, r := range records {
				ids = append(ids, r.Id)
				assert.Equal(t, rbx.StatusPending, r.Status)
			}
			assert.Equal(t, tc.wantIds, ids)
		})
	}
}

func TestRecordBookkeeping(t *testing.T) {
	ctx := context.Background()

	t.Run("delete", func(t *testing.T) {
		r, mock := createSqlMockRepository()
		mock.ExpectExec("DELETE FROM outbox WHERE id=(.+)").WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, r.Delete(ctx, 1))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mark failed", func(t *testing.T) {
		r, mock := createSqlMockRepository()
		mock.ExpectExec("UPDATE outbox SET attempt_count=(.+) next_attempt_at=(.+)").WithArgs(2, sqlmock.AnyArg(), "boom", 1).WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, r.MarkFailed(ctx, 1, 2, time.Now(), "boom"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mark dead letter", func(t *testing.T) {
		r, mock := createSqlMockRepository()
		mock.ExpectExec("UPDATE outbox SET attempt_count=(.+) status='dead_letter'(.+)").WithArgs(10, "boom", 1).WillReturnError(errors.New("error#9"))
		assert.EqualError(t, r.MarkDeadLetter(ctx, 1, 10, "boom"), "error#9")
	})

	t.Run("requeue", func(t *testing.T) {
		r, mock := createSqlMockRepository()
		mock.ExpectExec("UPDATE outbox SET status='pending'(.+)").WithArgs(sqlmock.AnyArg(), 1).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE outbox SET status='pending'(.+)").WithArgs(sqlmock.AnyArg(), 2).WillReturnResult(sqlmock.NewResult(0, 0))
		ok, err := r.Requeue(ctx, 1, time.Now())
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = r.Requeue(ctx, 2, time.Now())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("dead letters", func(t *testing.T) {
		r, mock := createSqlMockRepository()
		now := time.Now()
		rows := sqlmock.NewRows(test.OutboxColumns).
			AddRow(5, "User", "1", "USER_CREATED_EVENT", []byte("{}"), now, 10, now, "dead_letter", "boom")
		mock.ExpectQuery("SELECT (.+) FROM outbox WHERE status='dead_letter'(.+)").WithArgs(10).WillReturnRows(rows)
		dl, err := r.FindDeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dl, 1)
		assert.Equal(t, rbx.StatusDeadLetter, dl[0].Status)
		assert.Equal(t, "boom", dl[0].LastError)
	})
}
