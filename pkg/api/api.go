// Package api contains the wire types shared between the runner and the
// flowplane control plane, including the run state machine constants.
package api

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a flow run as recorded by the
// control plane. The runner never invents states; it only proposes
// transitions between the values defined here.
type RunState string

const (
	StateScheduled  RunState = "SCHEDULED"
	StatePending    RunState = "PENDING"
	StateRunning    RunState = "RUNNING"
	StateCompleted  RunState = "COMPLETED"
	StateFailed     RunState = "FAILED"
	StateCrashed    RunState = "CRASHED"
	StateCancelling RunState = "CANCELLING"
	StateCancelled  RunState = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted out of s.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCrashed, StateCancelled:
		return true
	}
	return false
}

// Due reports whether a run in state s is eligible for pickup by a runner.
func (s RunState) Due() bool {
	return s == StateScheduled || s == StatePending
}

// Run is a flow run as returned by the control plane. The runner holds
// only a transient copy; StateVersion is the optimistic-concurrency token
// that every transition proposal must carry.
type Run struct {
	ID           uuid.UUID         `json:"id"`
	DeploymentID uuid.UUID         `json:"deployment_id"`
	Name         string            `json:"name"`
	State        RunState          `json:"state"`
	StateVersion int64             `json:"state_version"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	Parameters   map[string]any    `json:"parameters,omitempty"`
	Image        string            `json:"image,omitempty"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	// TimeoutSeconds bounds the execution unit's runtime; 0 means the
	// runner's default applies.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// Trace carries W3C trace-context headers injected by the control
	// plane so runner spans join the scheduling trace.
	Trace map[string]string `json:"trace,omitempty"`
}

// ListRunsResponse is the response body for the due-runs and
// pending-cancellation queries.
type ListRunsResponse struct {
	Runs []Run `json:"runs"`
}

// ProposeTransitionRequest is the body of a state-transition proposal.
// The control plane accepts it only if ExpectedVersion matches the run's
// current StateVersion and the transition is structurally legal.
type ProposeTransitionRequest struct {
	ExpectedVersion int64    `json:"expected_version"`
	State           RunState `json:"state"`
	RunnerID        string   `json:"runner_id"`
	// Reason is free-form detail for Failed/Crashed/Cancelled transitions.
	Reason string `json:"reason,omitempty"`
	// ExitCode is set for transitions derived from a clean process exit.
	ExitCode *int `json:"exit_code,omitempty"`
}

// ProposeTransitionResponse is returned with 200 when a proposal is
// accepted. Run reflects the new state and version.
type ProposeTransitionResponse struct {
	Run Run `json:"run"`
}

// TransitionRejection is returned with 409 when a proposal carries a stale
// version or an illegal transition. Run is the authoritative current state
// the runner must resynchronize against.
type TransitionRejection struct {
	Run    Run    `json:"run"`
	Detail string `json:"detail,omitempty"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
