package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"flowplane/internal/config"
)

// Phase is the runner's process-wide lifecycle state. It moves
// Running → Draining → Stopped exactly once; no task re-enters Running
// after observing Draining.
type Phase int32

const (
	PhaseRunning Phase = iota
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	}
	return "unknown"
}

// Phase returns the current lifecycle phase.
func (r *Runner) Phase() Phase {
	return Phase(r.phase.Load())
}

// shutdown drains the runner: new pickups stop, in-flight runs are
// cancelled or handed off per the configured policy, and supervisors
// get at most the shutdown deadline to finish.
func (r *Runner) shutdown(ctx context.Context) {
	if !r.phase.CompareAndSwap(int32(PhaseRunning), int32(PhaseDraining)) {
		return
	}

	sups := r.snapshotInflight()
	r.log.Info("draining runner", "policy", r.cfg.ShutdownPolicy, "in_flight", len(sups))

	for _, sup := range sups {
		switch r.cfg.ShutdownPolicy {
		case config.ShutdownReschedule:
			sup.RequestHandoff()
		default:
			sup.RequestCancel()
		}
	}

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		r.log.Info("all supervisors finished")
	case <-time.After(r.cfg.ShutdownDeadline):
		r.log.Warn("shutdown grace deadline exceeded", "still_in_flight", r.InflightCount())
	case <-ctx.Done():
		r.log.Warn("shutdown interrupted", "still_in_flight", r.InflightCount())
	}

	r.phase.Store(int32(PhaseStopped))
	close(r.done)
}

// Healthz reports the runner phase for a supervising process manager.
// It serves 200 while running and 503 once draining has begun.
func (r *Runner) Healthz(w http.ResponseWriter, _ *http.Request) {
	phase := r.Phase()

	w.Header().Set("Content-Type", "application/json")
	if phase == PhaseRunning {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	err := json.NewEncoder(w).Encode(map[string]any{
		"status":     phase.String(),
		"slots_held": r.slots.Held(),
		"in_flight":  r.InflightCount(),
	})
	if err != nil {
		r.log.Error("failed to encode health response", "error", err)
	}
}
