package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/3rs4lg4d0/relaybox/internal/user"
	"github.com/3rs4lg4d0/relaybox/rbx"
)

// Store keeps users with database/sql. Inserts run in the *sql.Tx found in
// the context under txKey.
type Store struct {
	txKey     rbx.TxKey
	db        *sql.DB
	insertSql string
	getSql    string
}

var _ user.Store = (*Store)(nil)

func New(txKey rbx.TxKey, db *sql.DB, useDollar bool) *Store {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	s := &Store{
		txKey:     txKey,
		db:        db,
		insertSql: "INSERT INTO users (id, name) VALUES (?, ?)",
		getSql:    "SELECT id, name FROM users WHERE id=?",
	}
	if useDollar {
		s.insertSql = "INSERT INTO users (id, name) VALUES ($1, $2)"
		s.getSql = "SELECT id, name FROM users WHERE id=$1"
	}
	return s
}

func (s *Store) Insert(ctx context.Context, u user.User) error {
	tx, ok := ctx.Value(s.txKey).(*sql.Tx)
	if !ok {
		return errors.New("an *sql.Tx transaction was expected")
	}
	_, err := tx.ExecContext(ctx, s.insertSql, u.Id, u.Name)
	return err
}

func (s *Store) Get(ctx context.Context, id int64) (user.User, error) {
	var u user.User
	err := s.db.QueryRowContext(ctx, s.getSql, id).Scan(&u.Id, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return u, user.ErrNotFound
	}
	return u, err
}
