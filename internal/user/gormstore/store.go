package gormstore

import (
	"context"
	"errors"

	"github.com/3rs4lg4d0/relaybox/internal/user"
	"github.com/3rs4lg4d0/relaybox/rbx"
	"gorm.io/gorm"
)

// row is the gorm model of the users table.
type row struct {
	Id   int64 `gorm:"primaryKey;autoIncrement:false"`
	Name string
}

func (row) TableName() string {
	return "users"
}

// Store keeps users with gorm. Inserts run in the *gorm.DB transaction found
// in the context under txKey.
type Store struct {
	txKey rbx.TxKey
	db    *gorm.DB
}

var _ user.Store = (*Store)(nil)

func New(txKey rbx.TxKey, db *gorm.DB) *Store {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Store{txKey: txKey, db: db}
}

func (s *Store) Insert(ctx context.Context, u user.User) error {
	tx, ok := ctx.Value(s.txKey).(*gorm.DB)
	if !ok {
		return errors.New("a *gorm.DB transaction was expected")
	}
	return tx.WithContext(ctx).Create(&row{Id: u.Id, Name: u.Name}).Error
}

func (s *Store) Get(ctx context.Context, id int64) (user.User, error) {
	var r row
	err := s.db.WithContext(ctx).Take(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return user.User{}, user.ErrNotFound
	}
	if err != nil {
		return user.User{}, err
	}
	return user.User{Id: r.Id, Name: r.Name}, nil
}
