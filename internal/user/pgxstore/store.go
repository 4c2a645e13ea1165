package pgxstore

import (
	"context"
	"errors"
	"reflect"

	"github.com/3rs4lg4d0/relaybox/internal/user"
	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/jackc/pgx/v5"
)

const (
	insertUserSql = "INSERT INTO users (id, name) VALUES ($1, $2)"
	getUserSql    = "SELECT id, name FROM users WHERE id=$1"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store keeps users with pgx. Inserts run in the pgx.Tx found in the
// context under txKey.
type Store struct {
	txKey rbx.TxKey
	db    querier
}

var _ user.Store = (*Store)(nil)

func New(txKey rbx.TxKey, db querier) *Store {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil || reflect.ValueOf(db).IsNil() {
		panic("db is mandatory")
	}
	return &Store{txKey: txKey, db: db}
}

func (s *Store) Insert(ctx context.Context, u user.User) error {
	tx, ok := ctx.Value(s.txKey).(pgx.Tx)
	if !ok {
		return errors.New("a pgx.Tx transaction was expected")
	}
	_, err := tx.Exec(ctx, insertUserSql, u.Id, u.Name)
	return err
}

func (s *Store) Get(ctx context.Context, id int64) (user.User, error) {
	var u user.User
	err := s.db.QueryRow(ctx, getUserSql, id).Scan(&u.Id, &u.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, user.ErrNotFound
	}
	return u, err
}
