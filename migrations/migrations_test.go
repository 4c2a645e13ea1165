package migrations

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUp(t *testing.T) {
	testcases := []struct {
		name    string
		dialect string
		wantErr bool
	}{
		{name: "postgres", dialect: Postgres},
		{name: "sqlite", dialect: SQLite},
		{name: "mysql", dialect: MySQL},
		{name: "unknown dialect", dialect: "oracle", wantErr: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			scripts, err := Up(tc.dialect)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, scripts, 1)
			assert.Contains(t, scripts[0], "CREATE TABLE IF NOT EXISTS outbox")
			assert.Contains(t, scripts[0], "outbox_lock")
		})
	}
}

func TestApplySQLite(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	require.NoError(t, Apply(ctx, db, SQLite))
	// applying twice is harmless
	require.NoError(t, Apply(ctx, db, SQLite))

	var version int64
	require.NoError(t, db.QueryRow("SELECT version FROM outbox_lock WHERE id=1").Scan(&version))
	assert.Equal(t, int64(1), version)
}
