// Package redis implements consumer.Store on Redis so replicas of a consumer
// share the ids they applied.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/relaybox/consumer"
	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "relaybox:applied:"
	defaultTTL    = 7 * 24 * time.Hour
)

// Store claims message ids with SET NX. Claims expire after the ttl, which
// must outlive the redelivery window of the broker.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ consumer.Store = (*Store)(nil)

// Option configures a Store.
type Option func(s *Store)

// WithPrefix sets the prefix of the claim keys.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL sets the lifetime of the claims.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	if client == nil {
		panic("client is mandatory")
	}
	s := &Store{
		client: client,
		prefix: defaultPrefix,
		ttl:    defaultTTL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Claim(ctx context.Context, m *rbx.Message) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(m), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX failed: %w", err)
	}
	return ok, nil
}

func (s *Store) Release(ctx context.Context, m *rbx.Message) error {
	if err := s.client.Del(ctx, s.key(m)).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

func (s *Store) key(m *rbx.Message) string {
	return fmt.Sprintf("%s%d", s.prefix, m.Id)
}
