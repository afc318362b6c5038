package runner

import (
	"sync"
	"testing"
)

func TestSlotManager_AcquireUpToSize(t *testing.T) {
	s := NewSlotManager(2)

	if !s.TryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if !s.TryAcquire() {
		t.Fatal("expected second acquire to succeed")
	}
	if s.TryAcquire() {
		t.Fatal("expected third acquire to fail on a pool of 2")
	}
	if s.Available() != 0 {
		t.Errorf("expected 0 available, got %d", s.Available())
	}

	s.Release()
	if s.Available() != 1 {
		t.Errorf("expected 1 available after release, got %d", s.Available())
	}
	if !s.TryAcquire() {
		t.Error("expected acquire to succeed after release")
	}
}

func TestSlotManager_MinimumSize(t *testing.T) {
	s := NewSlotManager(0)

	if s.Size() != 1 {
		t.Errorf("expected size clamped to 1, got %d", s.Size())
	}
}

func TestSlotManager_ReleaseWithoutAcquirePanics(t *testing.T) {
	s := NewSlotManager(1)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on unmatched release")
		}
	}()
	s.Release()
}

func TestSlotManager_ConcurrentAcquireNeverOversubscribes(t *testing.T) {
	const size = 4
	const workers = 32

	s := NewSlotManager(size)

	var wg sync.WaitGroup
	granted := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAcquire() {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != size {
		t.Errorf("expected exactly %d grants, got %d", size, count)
	}
	if s.Held() != size {
		t.Errorf("expected %d held, got %d", size, s.Held())
	}

	// Release all and verify the pool is whole again.
	for i := 0; i < size; i++ {
		s.Release()
	}
	if s.Available() != size {
		t.Errorf("expected %d available, got %d", size, s.Available())
	}
}
