package api

import "testing"

func TestRunState_Terminal(t *testing.T) {
	terminal := []RunState{StateCompleted, StateFailed, StateCrashed, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	live := []RunState{StateScheduled, StatePending, StateRunning, StateCancelling}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestRunState_Due(t *testing.T) {
	if !StateScheduled.Due() || !StatePending.Due() {
		t.Error("expected SCHEDULED and PENDING to be due")
	}
	if StateRunning.Due() || StateCancelling.Due() || StateCompleted.Due() {
		t.Error("only SCHEDULED and PENDING runs are due for pickup")
	}
}
