// Package consumer helps message handlers tolerate the redeliveries of an
// at-least-once relay by deduplicating on the record id.
package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/relaybox/rbx"
)

// Store remembers the messages already applied by a consumer.
type Store interface {
	// Claim marks m as applied. It returns false if m was already claimed.
	Claim(ctx context.Context, m *rbx.Message) (bool, error)
	// Release forgets a claim so the message can be applied again.
	Release(ctx context.Context, m *rbx.Message) error
}

type options struct {
	duplicates rbx.Counter
	logger     rbx.Logger
}

// Option configures Idempotent.
type Option func(o *options)

// WithDuplicateCounter counts the skipped duplicates.
func WithDuplicateCounter(c rbx.Counter) Option {
	return func(o *options) {
		if c != nil {
			o.duplicates = c
		}
	}
}

// WithLogger logs the skipped duplicates.
func WithLogger(l rbx.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Idempotent wraps h so every message id is applied at most once. The id is
// claimed before h runs and released when h fails, letting the broker
// redelivery apply it later. Duplicates are acknowledged without calling h.
func Idempotent(s Store, h rbx.Handler, opts ...Option) rbx.Handler {
	if s == nil {
		panic("store is mandatory")
	}
	if h == nil {
		panic("handler is mandatory")
	}
	o := &options{
		duplicates: &rbx.NopCounter{},
		logger:     &rbx.NopLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}

	return func(ctx context.Context, m *rbx.Message) error {
		claimed, err := s.Claim(ctx, m)
		if err != nil {
			return fmt.Errorf("could not claim message %d: %w", m.Id, err)
		}
		if !claimed {
			o.duplicates.Inc(1)
			o.logger.Debug(fmt.Sprintf("skipping duplicate message %d", m.Id))
			return nil
		}
		if err := h(ctx, m); err != nil {
			if rerr := s.Release(context.WithoutCancel(ctx), m); rerr != nil {
				return errors.Join(err, fmt.Errorf("could not release message %d: %w", m.Id, rerr))
			}
			return err
		}
		return nil
	}
}
