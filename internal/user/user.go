// Package user is the demo domain: creating a user stores the row and its
// USER_CREATED_EVENT record in one transaction.
package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/3rs4lg4d0/relaybox/rbx"
)

const (
	AggregateType    = "User"
	UserCreatedEvent = "USER_CREATED_EVENT"
)

// ErrNotFound is returned by the stores when a user does not exist.
var ErrNotFound = errors.New("user not found")

type User struct {
	Id   int64  `json:"id"`
	Name string `json:"name"`
}

// Store persists users. Insert must use the transaction carried by ctx.
type Store interface {
	Insert(ctx context.Context, u User) error
	Get(ctx context.Context, id int64) (User, error)
}

// writer is the write path of *rbx.Relaybox.
type writer interface {
	Write(ctx context.Context, fn rbx.WriteFunc) error
}

type Service struct {
	box   writer
	store Store
}

func NewService(box writer, store Store) *Service {
	if box == nil {
		panic("relaybox is mandatory")
	}
	if store == nil {
		panic("store is mandatory")
	}
	return &Service{box: box, store: store}
}

// Create inserts the users and one USER_CREATED_EVENT per user atomically.
// Failures are returned as *rbx.PersistenceError and nothing is stored.
func (s *Service) Create(ctx context.Context, users ...User) ([]User, error) {
	err := s.box.Write(ctx, func(ctx context.Context) ([]*rbx.Outbox, error) {
		records := make([]*rbx.Outbox, 0, len(users))
		for _, u := range users {
			if err := s.store.Insert(ctx, u); err != nil {
				return nil, fmt.Errorf("could not insert user %d: %w", u.Id, err)
			}
			o, err := CreatedEvent(u)
			if err != nil {
				return nil, err
			}
			records = append(records, o)
		}
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// CreatedEvent builds the outbox record announcing u.
func CreatedEvent(u User) (*rbx.Outbox, error) {
	payload, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	return &rbx.Outbox{
		AggregateType: AggregateType,
		AggregateId:   strconv.FormatInt(u.Id, 10),
		EventType:     UserCreatedEvent,
		Payload:       payload,
	}, nil
}
