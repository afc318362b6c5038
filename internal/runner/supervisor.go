package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"flowplane/internal/launcher"
	"flowplane/internal/logger"
	"flowplane/internal/orchestrator"
	"flowplane/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Orchestrator is the slice of the control plane the runner consumes.
// Implemented by orchestrator.Client.
type Orchestrator interface {
	ListDueRuns(ctx context.Context, limit int) ([]api.Run, error)
	ListCancelling(ctx context.Context) ([]api.Run, error)
	ProposeTransition(ctx context.Context, runID uuid.UUID, req api.ProposeTransitionRequest) (api.Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (api.Run, error)
}

// Alert is an operational error escalated from a supervisor to the
// poller: the run's outcome could not be reported even after retries.
type Alert struct {
	RunID uuid.UUID
	Err   error
}

// SupervisorConfig holds the per-run supervision parameters.
type SupervisorConfig struct {
	RunnerID          string
	LivenessInterval  time.Duration
	MaxPollErrors     int
	CancelGracePeriod time.Duration
}

// maxProposalAttempts bounds resync-and-repropose cycles for a single
// transition. Each attempt uses a fresh version, never a stale one.
const maxProposalAttempts = 3

var (
	// errSuperseded means the control plane already holds a terminal
	// state for the run; this supervisor stands down.
	errSuperseded = errors.New("run already concluded by the control plane")

	// errCancelRequested means the control plane reports CANCELLING;
	// the supervisor must resolve the cancellation instead.
	errCancelRequested = errors.New("cancellation requested by the control plane")
)

// Supervisor owns the lifecycle of one admitted run from launch to
// terminal state. Exactly one goroutine executes Supervise; transition
// proposals for the run are therefore totally ordered.
type Supervisor struct {
	client   Orchestrator
	launcher launcher.Launcher
	cfg      SupervisorConfig
	log      *slog.Logger
	metrics  *runnerMetrics
	alerts   chan<- Alert

	// handle is set once after launch and only read afterwards.
	handle launcher.Handle

	cancelCh    chan struct{}
	cancelOnce  sync.Once
	handoffCh   chan struct{}
	handoffOnce sync.Once

	mu       sync.Mutex
	run      api.Run
	lastSeen time.Time
}

// NewSupervisor creates a supervisor for the given run. The caller has
// already acquired a slot; Supervise must be started in its own
// goroutine and the slot released when it returns.
func NewSupervisor(run api.Run, client Orchestrator, l launcher.Launcher, cfg SupervisorConfig, log *slog.Logger, metrics *runnerMetrics, alerts chan<- Alert) *Supervisor {
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 2 * time.Second
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = 3
	}
	if cfg.CancelGracePeriod <= 0 {
		cfg.CancelGracePeriod = 30 * time.Second
	}

	return &Supervisor{
		client:    client,
		launcher:  l,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		alerts:    alerts,
		cancelCh:  make(chan struct{}),
		handoffCh: make(chan struct{}),
		run:       run,
		lastSeen:  time.Now(),
	}
}

// RunID returns the id of the supervised run.
func (s *Supervisor) RunID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.ID
}

// Version returns the last state version this supervisor observed. The
// poller's defensive crash sweep proposes against this snapshot so that
// duplicate detections resolve through the version check.
func (s *Supervisor) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.StateVersion
}

// LastSeen returns the time of the last successful liveness confirmation.
func (s *Supervisor) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// RequestCancel asks the supervisor to cancel its run. Safe to call
// multiple times and from any goroutine; cancellation is cooperative
// and takes effect at the next checkpoint.
func (s *Supervisor) RequestCancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// RequestHandoff asks the supervisor to propose its run back to
// SCHEDULED and stand down without terminating the execution unit.
func (s *Supervisor) RequestHandoff() {
	s.handoffOnce.Do(func() { close(s.handoffCh) })
}

func (s *Supervisor) snapshot() api.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

func (s *Supervisor) setRun(run api.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = run
}

func (s *Supervisor) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

// Supervise drives the run to a terminal state: launch, report RUNNING,
// poll liveness, report the terminal outcome. It returns when the run
// no longer needs this supervisor; the caller releases the slot.
func (s *Supervisor) Supervise(ctx context.Context) {
	run := s.snapshot()
	ctx = logger.WithRunID(ctx, run.ID.String())
	log := logger.FromContext(ctx, s.log)

	// Join the scheduling trace when the control plane injected one.
	traceCtx := ctx
	if run.Trace != nil {
		traceCtx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(run.Trace))
	}
	tracer := otel.Tracer("flowplane-runner")
	ctx, span := tracer.Start(traceCtx, "supervise_run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID.String()),
			attribute.String("deployment.id", run.DeploymentID.String()),
			attribute.String("run.name", run.Name),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	// Claim the run before any launch side effects. A rejection means
	// another runner won the race, so this supervisor stands down with
	// nothing started and nothing to clean up.
	if err := s.claim(ctx); err != nil {
		if sve, ok := orchestrator.IsStaleVersion(err); ok {
			log.Info("run claimed elsewhere, standing down", "state", sve.Current.State)
			return
		}
		span.RecordError(err)
		log.Warn("failed to claim run, leaving it due", "error", err)
		return
	}

	handle, err := s.launcher.Launch(ctx, launcher.LaunchSpec{
		RunID:   run.ID,
		Name:    run.Name,
		Image:   run.Image,
		Command: run.Command,
		Env:     run.Env,
	})
	if err != nil {
		span.RecordError(err)
		log.Error("failed to launch execution unit", "error", err)
		s.conclude(ctx, log, api.StateFailed, fmt.Sprintf("launch failed: %v", err), nil)
		return
	}
	s.handle = handle
	s.touch()
	log.Info("execution unit started", "ref", handle.Ref())
	s.metrics.recordLaunch(ctx)

	if err := s.propose(ctx, api.StateRunning, "", nil); err != nil {
		switch {
		case errors.Is(err, errSuperseded):
			// The control plane already concluded this run; stop the
			// unit so it does not linger unsupervised.
			s.terminate(ctx, log)
			return
		case errors.Is(err, errCancelRequested):
			s.runCancellation(ctx, log)
			return
		default:
			// The unit is alive even though RUNNING could not be
			// reported; keep supervising and let the terminal proposal
			// retry later.
			span.RecordError(err)
			log.Warn("failed to report RUNNING, continuing supervision", "error", err)
			s.escalate(ctx, err)
		}
	}

	s.superviseLoop(ctx, log, span)
}

func (s *Supervisor) superviseLoop(ctx context.Context, log *slog.Logger, span trace.Span) {
	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()

	var timeoutCh <-chan time.Time
	if secs := s.snapshot().TimeoutSeconds; secs > 0 {
		timer := time.NewTimer(time.Duration(secs) * time.Second)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	pollErrs := 0
	for {
		select {
		case <-s.cancelCh:
			s.runCancellation(ctx, log)
			return

		case <-s.handoffCh:
			s.handoff(ctx, log)
			return

		case <-timeoutCh:
			log.Warn("run exceeded its timeout, terminating", "timeout_seconds", s.snapshot().TimeoutSeconds)
			s.terminate(ctx, log)
			s.conclude(ctx, log, api.StateFailed,
				fmt.Sprintf("run timed out after %ds", s.snapshot().TimeoutSeconds), nil)
			return

		case <-ticker.C:
			result, err := s.handle.Poll(ctx)
			if err != nil {
				// A transient blip does not condemn the run; a sustained
				// inability to determine liveness does.
				pollErrs++
				log.Warn("liveness poll failed", "error", err, "consecutive", pollErrs)
				if pollErrs >= s.cfg.MaxPollErrors {
					s.conclude(ctx, log, api.StateCrashed,
						fmt.Sprintf("liveness undeterminable after %d consecutive poll errors: %v", pollErrs, err), nil)
					return
				}
				continue
			}
			pollErrs = 0
			s.touch()

			switch result.State {
			case launcher.StateRunning:
				// Still alive.

			case launcher.StateExited:
				code := result.ExitCode
				span.SetAttributes(attribute.Int("exit_code", code))
				if code == 0 {
					log.Info("execution unit completed")
					s.conclude(ctx, log, api.StateCompleted, "", &code)
				} else {
					reason := fmt.Sprintf("exit code %d", code)
					if result.Reason != "" {
						reason = result.Reason
					}
					log.Info("execution unit failed", "exit_code", code)
					s.conclude(ctx, log, api.StateFailed, reason, &code)
				}
				return

			case launcher.StateLost:
				span.SetAttributes(attribute.String("lost_reason", result.Reason))
				log.Warn("execution unit lost", "reason", result.Reason)
				s.conclude(ctx, log, api.StateCrashed, result.Reason, nil)
				return
			}
		}
	}
}

// runCancellation resolves a cancellation request: report CANCELLING,
// stop the unit (graceful, then forced after the grace period), report
// CANCELLED. Force-termination proceeds regardless of stop errors so a
// stuck unit can never hold the run in CANCELLING.
func (s *Supervisor) runCancellation(ctx context.Context, log *slog.Logger) {
	log.Info("cancellation requested")

	if err := s.propose(ctx, api.StateCancelling, "", nil); err != nil {
		if errors.Is(err, errSuperseded) {
			// Already concluded elsewhere; still stop a possibly-live unit.
			s.terminate(ctx, log)
			return
		}
		log.Warn("failed to report CANCELLING", "error", err)
	}

	s.terminate(ctx, log)
	s.conclude(ctx, log, api.StateCancelled, "cancelled by request", nil)
}

// handoff proposes the run back to SCHEDULED and stands down without
// terminating the execution unit, so another runner instance can pick
// up supervision.
func (s *Supervisor) handoff(ctx context.Context, log *slog.Logger) {
	err := s.propose(ctx, api.StateScheduled, "rescheduled on runner shutdown", nil)
	switch {
	case err == nil:
		log.Info("run handed off for rescheduling", "ref", s.handle.Ref())
	case errors.Is(err, errSuperseded):
		log.Info("run already concluded, nothing to hand off")
	case errors.Is(err, errCancelRequested):
		s.runCancellation(ctx, log)
	default:
		log.Error("failed to hand off run", "error", err)
		s.escalate(ctx, err)
	}
}

// conclude proposes the terminal state matching the observed outcome.
// Exhausted proposal retries are escalated but never block slot release.
func (s *Supervisor) conclude(ctx context.Context, log *slog.Logger, target api.RunState, reason string, exitCode *int) {
	err := s.propose(ctx, target, reason, exitCode)
	switch {
	case err == nil:
		s.metrics.recordOutcome(ctx, target)
	case errors.Is(err, errSuperseded):
		log.Info("run already concluded by the control plane", "state", s.snapshot().State)
	case errors.Is(err, errCancelRequested):
		// The unit is already gone; resolve the cancellation instead.
		if reason == "" {
			reason = "execution unit exited during cancellation"
		}
		if err := s.propose(ctx, api.StateCancelled, reason, exitCode); err == nil {
			s.metrics.recordOutcome(ctx, api.StateCancelled)
		} else if !errors.Is(err, errSuperseded) {
			log.Error("failed to resolve cancellation", "error", err)
			s.escalate(ctx, err)
		}
	default:
		log.Error("failed to report terminal state", "target", target, "error", err)
		s.escalate(ctx, err)
	}
}

// claim moves a SCHEDULED run to PENDING at its offered version.
// PENDING is the only state RUNNING is reachable from, and the version
// check makes the claim the arbitration point when several runners are
// offered the same run. Unlike propose, a stale rejection is never
// re-decided: the run belongs to whoever moved it first.
func (s *Supervisor) claim(ctx context.Context) error {
	run := s.snapshot()
	if run.State != api.StateScheduled {
		return nil
	}

	updated, err := s.client.ProposeTransition(ctx, run.ID, api.ProposeTransitionRequest{
		ExpectedVersion: run.StateVersion,
		State:           api.StatePending,
		RunnerID:        s.cfg.RunnerID,
	})
	if err != nil {
		if sve, ok := orchestrator.IsStaleVersion(err); ok {
			s.setRun(sve.Current)
		}
		return err
	}
	s.setRun(updated)
	return nil
}

// propose drives one transition proposal to acceptance. A stale
// rejection is never blindly retried: the supervisor adopts the
// authoritative state and re-decides, re-proposing only while the run
// is still live under a newer version.
func (s *Supervisor) propose(ctx context.Context, target api.RunState, reason string, exitCode *int) error {
	for attempt := 0; attempt < maxProposalAttempts; attempt++ {
		run := s.snapshot()
		updated, err := s.client.ProposeTransition(ctx, run.ID, api.ProposeTransitionRequest{
			ExpectedVersion: run.StateVersion,
			State:           target,
			RunnerID:        s.cfg.RunnerID,
			Reason:          reason,
			ExitCode:        exitCode,
		})
		if err == nil {
			s.setRun(updated)
			return nil
		}

		sve, ok := orchestrator.IsStaleVersion(err)
		if !ok {
			return err
		}
		s.metrics.recordRejection(ctx)
		s.setRun(sve.Current)

		current := sve.Current.State
		switch {
		case current == target:
			// A duplicate of this proposal, or a concurrent detector
			// with the same conclusion, already landed.
			return nil
		case current.Terminal():
			return errSuperseded
		case current == api.StateCancelling && target != api.StateCancelling && target != api.StateCancelled:
			s.RequestCancel()
			return errCancelRequested
		}
	}
	return fmt.Errorf("transition to %s did not converge after %d attempts", target, maxProposalAttempts)
}

// terminate stops the execution unit with the configured grace period.
func (s *Supervisor) terminate(ctx context.Context, log *slog.Logger) {
	if s.handle == nil {
		return
	}
	termCtx, cancel := context.WithTimeout(ctx, s.cfg.CancelGracePeriod+10*time.Second)
	defer cancel()
	if err := s.handle.Terminate(termCtx, s.cfg.CancelGracePeriod); err != nil {
		log.Warn("failed to terminate execution unit", "error", err)
	}
}

func (s *Supervisor) escalate(ctx context.Context, err error) {
	s.metrics.recordAlert(ctx)
	if s.alerts == nil {
		return
	}
	select {
	case s.alerts <- Alert{RunID: s.RunID(), Err: err}:
	default:
		// Never block supervision on a full alert channel.
	}
}
