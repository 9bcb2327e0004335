// Package quota tracks admitted requests that have not been accounted yet.
//
// A slot is acquired before the ledger is read for admission and released after
// the usage commit (or on any failure), so the committed daily counter plus the
// open slots never lets concurrent requests overshoot the daily ceiling.
package quota

import (
	"context"
	"sync"
	"sync/atomic"
)

// Slots counts in-flight requests per user token.
type Slots interface {
	// Acquire opens a slot and returns the number of open slots including it.
	Acquire(ctx context.Context, token string) (int, error)
	// Release closes a slot opened by Acquire.
	Release(ctx context.Context, token string) error
	// InFlight returns the number of open slots.
	InFlight(ctx context.Context, token string) (int, error)
}

// MemorySlots keeps counters in process memory.
type MemorySlots struct {
	counters sync.Map // token -> *atomic.Int64
}

var _ Slots = (*MemorySlots)(nil)

// NewMemorySlots constructs an empty in-memory slot table.
func NewMemorySlots() *MemorySlots {
	return &MemorySlots{}
}

func (m *MemorySlots) counter(token string) *atomic.Int64 {
	if v, ok := m.counters.Load(token); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.counters.LoadOrStore(token, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Acquire opens a slot for token.
func (m *MemorySlots) Acquire(_ context.Context, token string) (int, error) {
	return int(m.counter(token).Add(1)), nil
}

// Release closes a slot for token. Releasing an idle token is a no-op.
func (m *MemorySlots) Release(_ context.Context, token string) error {
	c := m.counter(token)
	for {
		current := c.Load()
		if current <= 0 {
			return nil
		}
		if c.CompareAndSwap(current, current-1) {
			return nil
		}
	}
}

// InFlight returns the open slots for token.
func (m *MemorySlots) InFlight(_ context.Context, token string) (int, error) {
	if v, ok := m.counters.Load(token); ok {
		return int(v.(*atomic.Int64).Load()), nil
	}
	return 0, nil
}
