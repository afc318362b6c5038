// Package runner contains the orchestration core: the poll loop, the
// concurrency slot manager, per-run supervisors and the shutdown
// coordinator.
package runner

import "sync"

// SlotManager tracks the fixed budget of execution slots. All admission
// decisions go through TryAcquire; no other component touches the
// counter.
type SlotManager struct {
	mu   sync.Mutex
	size int
	held int
}

// NewSlotManager creates a slot pool of the given size.
func NewSlotManager(size int) *SlotManager {
	if size < 1 {
		size = 1
	}
	return &SlotManager{size: size}
}

// TryAcquire attempts to take one slot without blocking. It returns
// false when the pool is exhausted; the caller leaves the run due and
// retries on a later poll tick.
func (s *SlotManager) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held >= s.size {
		return false
	}
	s.held++
	return true
}

// Release returns one slot to the pool. Callers must release exactly
// once per successful TryAcquire; releasing an unheld slot is a
// programming error and panics.
func (s *SlotManager) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held <= 0 {
		panic("runner: slot released without a matching acquire")
	}
	s.held--
}

// Available returns the number of free slots.
func (s *SlotManager) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size - s.held
}

// Held returns the number of slots currently held.
func (s *SlotManager) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Size returns the configured pool size.
func (s *SlotManager) Size() int {
	return s.size
}
