package test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/3rs4lg4d0/relaybox/migrations"
	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

// Column names of the relaybox tables, in the order the repositories select them.
var (
	OutboxColumns     = []string{"id", "aggregate_type", "aggregate_id", "event_type", "payload", "created_at", "attempt_count", "next_attempt_at", "status", "last_error"}
	OutboxLockColumns = []string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}
)

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "migrations/postgres/000001_outbox.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

// OpenSQLite returns a migrated in-memory SQLite database that lives as long
// as the test.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every connection would see its own in-memory database
	db.SetMaxOpenConns(1)
	require.NoError(t, migrations.Apply(context.Background(), db, migrations.SQLite))
	t.Cleanup(func() { db.Close() })
	return db
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

func MockUnlockedOutboxLock(mock sqlmock.Sqlmock, dispatcherId uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows(OutboxLockColumns).
		AddRow(1, false, dispatcherId.String(), nil, nil, 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockLockedOutboxLock(mock sqlmock.Sqlmock, dispatcherId uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows(OutboxLockColumns).
		AddRow(1, true, dispatcherId.String(), time.Now(), time.Now().Add(time.Minute), 1)
	mock.ExpectQuery("SELECT (.+) FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

// MockOutboxRows expects a select on the outbox table returning three records.
func MockOutboxRows(mock sqlmock.Sqlmock) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows(OutboxColumns).
		AddRow(1, "aggregate_type", "aggregate_id", "event_type", []byte("payload"), now, 0, now, "pending", "").
		AddRow(2, "aggregate_type", "aggregate_id", "event_type", []byte("payload"), now, 0, now, "pending", "").
		AddRow(3, "aggregate_type", "aggregate_id", "event_type", []byte("payload"), now, 0, now, "pending", "")
	mock.ExpectQuery("SELECT (.+) FROM outbox (.+)").WillReturnRows(rows)
	return rows
}

// NewOutbox builds a client outbox for the given aggregate.
func NewOutbox(aggregateId string) *rbx.Outbox {
	return &rbx.Outbox{
		AggregateType: "Restaurant",
		AggregateId:   aggregateId,
		EventType:     "RestaurantCreated",
		Payload:       []byte("payload"),
	}
}

// TestLogger collects the logged errors.
type TestLogger struct {
	mu     sync.Mutex
	Errors []error
}

var _ rbx.Logger = (*TestLogger)(nil)

func (*TestLogger) Debug(string) {}

func (*TestLogger) Info(string) {}

func (*TestLogger) Warn(string) {}

func (l *TestLogger) Error(_ string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, err)
}

// Logged returns a copy of the errors logged so far.
func (l *TestLogger) Logged() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.Errors...)
}
