package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"flowplane/internal/config"
	"flowplane/internal/launcher"
	"flowplane/internal/orchestrator"
	"flowplane/pkg/api"

	"github.com/google/uuid"
)

// Config holds runner construction parameters.
type Config struct {
	RunnerID          string
	Slots             int
	PollInterval      time.Duration
	MaxBackoff        time.Duration // cap on backoff when polls come back empty
	LivenessInterval  time.Duration
	LivenessTimeout   time.Duration
	MaxPollErrors     int
	CancelGracePeriod time.Duration
	ShutdownDeadline  time.Duration
	ShutdownPolicy    config.ShutdownPolicy
}

// Runner is the orchestration core: a poll loop that admits due runs
// under the slot budget, spawns one supervisor per admitted run, sweeps
// for cancellations and crash candidates, and drains on shutdown.
type Runner struct {
	cfg      Config
	client   Orchestrator
	launcher launcher.Launcher
	slots    *SlotManager
	log      *slog.Logger
	metrics  *runnerMetrics

	// mu guards the in-flight registry. The registry entry and the
	// held slot for a run are created and removed in lockstep.
	mu       sync.Mutex
	inflight map[uuid.UUID]*Supervisor

	phase   atomic.Int32
	alerts  chan Alert
	pollNow chan struct{}
	wg      sync.WaitGroup
	done    chan struct{}
}

// New creates a new runner.
func New(cfg Config, client Orchestrator, l launcher.Launcher, log *slog.Logger) *Runner {
	if cfg.RunnerID == "" {
		cfg.RunnerID = "runner-" + uuid.NewString()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 90 * time.Second
	}
	if cfg.ShutdownDeadline <= 0 {
		cfg.ShutdownDeadline = 60 * time.Second
	}
	if cfg.ShutdownPolicy == "" {
		cfg.ShutdownPolicy = config.ShutdownCancel
	}

	r := &Runner{
		cfg:      cfg,
		client:   client,
		launcher: l,
		slots:    NewSlotManager(cfg.Slots),
		log:      log,
		inflight: make(map[uuid.UUID]*Supervisor),
		alerts:   make(chan Alert, 16),
		pollNow:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	r.metrics = newRunnerMetrics(r.slots, r.InflightCount)
	return r
}

// Run starts the poll loop. It blocks until ctx is cancelled, then
// drains per the shutdown policy before returning.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner starting",
		"runner_id", r.cfg.RunnerID,
		"slots", r.cfg.Slots,
		"poll_interval", r.cfg.PollInterval)

	// Backoff grows while polls come back empty and resets on work found.
	// The interval timer is persistent: unrelated wakeups, such as a
	// stream of alerts, must not push the next poll further out.
	currentBackoff := r.cfg.PollInterval
	timer := time.NewTimer(currentBackoff)
	defer timer.Stop()

	r.triggerPoll()

	for {
		select {
		case <-ctx.Done():
			r.shutdown(context.WithoutCancel(ctx))
			return ctx.Err()

		case alert := <-r.alerts:
			r.log.Error("operational alert: run outcome could not be reported",
				"run_id", alert.RunID, "error", alert.Err)

		case <-timer.C:
			timer.Reset(currentBackoff)
			r.triggerPoll()

		case <-r.pollNow:
			if r.Phase() != PhaseRunning {
				continue
			}

			found, err := r.tick(ctx)
			if err != nil {
				// A bad tick never terminates the process; the next
				// interval retries.
				r.log.Error("poll tick failed", "error", err)
				continue
			}

			if found {
				currentBackoff = r.cfg.PollInterval
				if r.slots.Available() > 0 {
					r.triggerPoll()
				}
			} else {
				currentBackoff = currentBackoff * 2
				if currentBackoff > r.cfg.MaxBackoff {
					currentBackoff = r.cfg.MaxBackoff
				}
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(currentBackoff)
		}
	}
}

// Done returns a channel closed once the runner has fully stopped.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// triggerPoll schedules an immediate poll without blocking.
func (r *Runner) triggerPoll() {
	select {
	case r.pollNow <- struct{}{}:
	default:
		// Already a poll pending
	}
}

// tick runs one scheduling pass: cancellation sweep, defensive crash
// sweep, then due-run admission up to the free slot count. It reports
// whether any new work was admitted.
func (r *Runner) tick(ctx context.Context) (bool, error) {
	r.sweepCancellations(ctx)
	r.sweepCrashCandidates(ctx)

	available := r.slots.Available()
	if available <= 0 {
		return false, nil
	}

	due, err := r.client.ListDueRuns(ctx, available)
	if err != nil {
		return false, fmt.Errorf("failed to list due runs: %w", err)
	}

	admitted := 0
	for _, run := range due {
		if r.Phase() != PhaseRunning {
			break
		}
		if r.admit(ctx, run) {
			admitted++
		}
	}
	if admitted > 0 {
		r.log.Info("admitted due runs", "count", admitted)
	}
	return admitted > 0, nil
}

// admit registers the run and starts its supervisor. It returns false
// when no slot is free or the run is already in flight; the run stays
// due on the control plane and is re-offered on a later tick.
func (r *Runner) admit(ctx context.Context, run api.Run) bool {
	sup := NewSupervisor(run, r.client, r.launcher, SupervisorConfig{
		RunnerID:          r.cfg.RunnerID,
		LivenessInterval:  r.cfg.LivenessInterval,
		MaxPollErrors:     r.cfg.MaxPollErrors,
		CancelGracePeriod: r.cfg.CancelGracePeriod,
	}, r.log, r.metrics, r.alerts)

	r.mu.Lock()
	if _, exists := r.inflight[run.ID]; exists {
		r.mu.Unlock()
		return false
	}
	if !r.slots.TryAcquire() {
		r.mu.Unlock()
		return false
	}
	r.inflight[run.ID] = sup
	r.mu.Unlock()

	// Supervision survives poll-loop cancellation; shutdown steers
	// supervisors through cancel/handoff requests instead.
	supCtx := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.removeInflight(sup.RunID())
			r.slots.Release()
			// A slot just freed; pick up waiting work immediately.
			r.triggerPoll()
		}()
		sup.Supervise(supCtx)
	}()
	return true
}

// sweepCancellations forwards pending cancellation requests to the
// matching in-flight supervisor, or resolves them directly for runs
// this runner never picked up.
func (r *Runner) sweepCancellations(ctx context.Context) {
	runs, err := r.client.ListCancelling(ctx)
	if err != nil {
		r.log.Warn("failed to list cancelling runs", "error", err)
		return
	}

	for _, run := range runs {
		if sup := r.lookup(run.ID); sup != nil {
			sup.RequestCancel()
			continue
		}

		_, err := r.client.ProposeTransition(ctx, run.ID, api.ProposeTransitionRequest{
			ExpectedVersion: run.StateVersion,
			State:           api.StateCancelled,
			RunnerID:        r.cfg.RunnerID,
			Reason:          "cancelled before pickup",
		})
		if err != nil {
			if _, ok := orchestrator.IsStaleVersion(err); ok {
				// Another actor moved the run; nothing for us to do.
				continue
			}
			r.log.Warn("failed to cancel unstarted run", "run_id", run.ID, "error", err)
		}
	}
}

// sweepCrashCandidates proposes CRASHED for in-flight runs whose last
// liveness confirmation is older than the liveness timeout. The
// supervisor itself may be wedged, so the sweep proposes against the
// supervisor's version snapshot; when both detect the same crash, the
// version check lets exactly one proposal land.
func (r *Runner) sweepCrashCandidates(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.LivenessTimeout)

	for _, sup := range r.snapshotInflight() {
		if sup.LastSeen().After(cutoff) {
			continue
		}

		runID := sup.RunID()
		r.log.Warn("in-flight run missed liveness confirmations, proposing crash", "run_id", runID)

		_, err := r.client.ProposeTransition(ctx, runID, api.ProposeTransitionRequest{
			ExpectedVersion: sup.Version(),
			State:           api.StateCrashed,
			RunnerID:        r.cfg.RunnerID,
			Reason:          fmt.Sprintf("no liveness confirmation for %s", r.cfg.LivenessTimeout),
		})
		if err != nil {
			if _, ok := orchestrator.IsStaleVersion(err); ok {
				// The supervisor, or another detector, got there first.
				continue
			}
			r.log.Warn("crash sweep proposal failed", "run_id", runID, "error", err)
			continue
		}
		r.metrics.recordOutcome(ctx, api.StateCrashed)
	}
}

func (r *Runner) lookup(runID uuid.UUID) *Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[runID]
}

func (r *Runner) removeInflight(runID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, runID)
}

func (r *Runner) snapshotInflight() []*Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()

	sups := make([]*Supervisor, 0, len(r.inflight))
	for _, sup := range r.inflight {
		sups = append(sups, sup)
	}
	return sups
}

// InflightCount returns the number of runs currently supervised.
func (r *Runner) InflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
