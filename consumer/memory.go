package consumer

import (
	"context"
	"sync"

	"github.com/3rs4lg4d0/relaybox/rbx"
)

// MemoryStore keeps the set of applied ids in memory.
type MemoryStore struct {
	mu      sync.Mutex
	applied map[int64]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{applied: make(map[int64]struct{})}
}

func (s *MemoryStore) Claim(_ context.Context, m *rbx.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applied[m.Id]; ok {
		return false, nil
	}
	s.applied[m.Id] = struct{}{}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, m *rbx.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.applied, m.Id)
	return nil
}

// WatermarkStore keeps the highest applied id per aggregate. It relies on
// ids of an aggregate arriving in increasing order: any id at or below the
// watermark of its aggregate is reported as already applied.
//
// The relay breaks that order for dead lettered records. Later records of the
// aggregate are delivered past them and a requeued record arrives with its
// original, lower id, so this store would drop it. Use it only when dead
// letters are never requeued; MemoryStore or the redis store track every id.
type WatermarkStore struct {
	mu        sync.Mutex
	watermark map[string]int64
	last      map[string]claim // latest claim per aggregate
}

type claim struct {
	id       int64
	previous int64
}

var _ Store = (*WatermarkStore)(nil)

func NewWatermarkStore() *WatermarkStore {
	return &WatermarkStore{
		watermark: make(map[string]int64),
		last:      make(map[string]claim),
	}
}

func (s *WatermarkStore) Claim(_ context.Context, m *rbx.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm := s.watermark[m.AggregateId]
	if m.Id <= wm {
		return false, nil
	}
	s.last[m.AggregateId] = claim{id: m.Id, previous: wm}
	s.watermark[m.AggregateId] = m.Id
	return true, nil
}

// Release restores the previous watermark if m is still the latest claim of
// its aggregate.
func (s *WatermarkStore) Release(_ context.Context, m *rbx.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.last[m.AggregateId]
	if !ok || c.id != m.Id {
		return nil
	}
	delete(s.last, m.AggregateId)
	s.watermark[m.AggregateId] = c.previous
	return nil
}

// Watermark returns the highest applied id of an aggregate.
func (s *WatermarkStore) Watermark(aggregateId string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark[aggregateId]
}
