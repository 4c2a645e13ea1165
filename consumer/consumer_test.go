package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCounter struct {
	n atomic.Int64
}

func (c *countingCounter) Inc(delta int64) { c.n.Add(delta) }

type failingStore struct {
	claimErr   error
	releaseErr error
}

func (s *failingStore) Claim(context.Context, *rbx.Message) (bool, error) {
	return s.claimErr == nil, s.claimErr
}

func (s *failingStore) Release(context.Context, *rbx.Message) error { return s.releaseErr }

func msg(id int64, aggregateId string) *rbx.Message {
	return &rbx.Message{Id: id, AggregateId: aggregateId}
}

func TestIdempotent(t *testing.T) {
	errHandler := errors.New("handler failure")
	stores := map[string]func() Store{
		"memory":    func() Store { return NewMemoryStore() },
		"watermark": func() Store { return NewWatermarkStore() },
	}
	testcases := []struct {
		name           string
		deliveries     []*rbx.Message
		failOnce       int64
		wantApplied    []int64
		wantDuplicates int64
	}{
		{
			name:        "every message applied once",
			deliveries:  []*rbx.Message{msg(1, "a"), msg(2, "a"), msg(3, "b")},
			wantApplied: []int64{1, 2, 3},
		},
		{
			name:           "redeliveries are skipped",
			deliveries:     []*rbx.Message{msg(1, "a"), msg(1, "a"), msg(2, "a"), msg(2, "a")},
			wantApplied:    []int64{1, 2},
			wantDuplicates: 2,
		},
		{
			name:        "failed message is applied on redelivery",
			deliveries:  []*rbx.Message{msg(1, "a"), msg(2, "a"), msg(2, "a")},
			failOnce:    2,
			wantApplied: []int64{1, 2},
		},
	}
	for storeName, newStore := range stores {
		for _, tc := range testcases {
			t.Run(storeName+"/"+tc.name, func(t *testing.T) {
				var applied []int64
				failed := false
				duplicates := &countingCounter{}
				h := Idempotent(newStore(), func(_ context.Context, m *rbx.Message) error {
					if m.Id == tc.failOnce && !failed {
						failed = true
						return errHandler
					}
					applied = append(applied, m.Id)
					return nil
				}, WithDuplicateCounter(duplicates), WithLogger(&rbx.NopLogger{}))

				errs := 0
				for _, m := range tc.deliveries {
					if err := h(context.Background(), m); err != nil {
						assert.ErrorIs(t, err, errHandler)
						errs++
					}
				}
				assert.Equal(t, failed, errs == 1)
				assert.Equal(t, tc.wantApplied, applied)
				assert.Equal(t, tc.wantDuplicates, duplicates.n.Load())
			})
		}
	}
}

func TestIdempotentStoreErrors(t *testing.T) {
	errStore := errors.New("store down")
	errHandler := errors.New("handler failure")

	h := Idempotent(&failingStore{claimErr: errStore}, func(context.Context, *rbx.Message) error {
		t.Fatal("handler must not run without a claim")
		return nil
	})
	assert.ErrorIs(t, h(context.Background(), msg(1, "a")), errStore)

	h = Idempotent(&failingStore{releaseErr: errStore}, func(context.Context, *rbx.Message) error {
		return errHandler
	})
	err := h(context.Background(), msg(1, "a"))
	assert.ErrorIs(t, err, errHandler)
	assert.ErrorIs(t, err, errStore)

	assert.Panics(t, func() { Idempotent(nil, func(context.Context, *rbx.Message) error { return nil }) })
	assert.Panics(t, func() { Idempotent(NewMemoryStore(), nil) })
}

func TestWatermarkStore(t *testing.T) {
	ctx := context.Background()
	s := NewWatermarkStore()

	ok, err := s.Claim(ctx, msg(5, "a"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.Claim(ctx, msg(3, "a"))
	assert.False(t, ok, "older ids of the aggregate were already applied")
	ok, _ = s.Claim(ctx, msg(3, "b"))
	assert.True(t, ok, "watermarks are per aggregate")

	require.NoError(t, s.Release(ctx, msg(5, "a")))
	assert.Equal(t, int64(0), s.Watermark("a"))
	require.NoError(t, s.Release(ctx, msg(5, "a")))
	assert.Equal(t, int64(3), s.Watermark("b"))
}

func TestRequeuedMessageAfterLaterDelivery(t *testing.T) {
	// id 1 was dead lettered, id 2 went through, then id 1 was requeued
	deliveries := []*rbx.Message{msg(2, "a"), msg(1, "a")}
	testcases := []struct {
		name        string
		store       Store
		wantApplied []int64
	}{
		{
			name:        "memory store applies the requeued message",
			store:       NewMemoryStore(),
			wantApplied: []int64{2, 1},
		},
		{
			name:        "watermark store takes it for a duplicate",
			store:       NewWatermarkStore(),
			wantApplied: []int64{2},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			var applied []int64
			h := Idempotent(tc.store, func(_ context.Context, m *rbx.Message) error {
				applied = append(applied, m.Id)
				return nil
			})
			for _, m := range deliveries {
				require.NoError(t, h(context.Background(), m))
			}
			assert.Equal(t, tc.wantApplied, applied)
		})
	}
}
