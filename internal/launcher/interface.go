// Package launcher provides the Launcher contract for starting and
// supervising execution units, with exec, docker and kubernetes backends.
package launcher

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is the closed set of liveness outcomes a poll can report.
type State int

const (
	// StateRunning means the execution unit is alive.
	StateRunning State = iota
	// StateExited means the unit terminated and reported an exit code.
	StateExited
	// StateLost means liveness can no longer be determined: the unit
	// vanished without an exit outcome. This is the crash-detection
	// signal, distinct from a failed exit.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateLost:
		return "lost"
	}
	return "unknown"
}

// PollResult reports the observed liveness of an execution unit.
type PollResult struct {
	State State
	// ExitCode is meaningful only when State is StateExited.
	ExitCode int
	// Reason carries diagnostic detail for Lost results and nonzero exits.
	Reason string
}

// LaunchSpec contains the parameters for starting an execution unit.
type LaunchSpec struct {
	RunID   uuid.UUID
	Name    string
	Image   string
	Command []string
	Env     map[string]string
}

// Handle represents one live execution unit. It is owned exclusively by
// the supervisor that launched it and is never shared.
type Handle interface {
	// Ref returns the opaque backend reference (pid, container id, job name).
	Ref() string

	// StartedAt returns when the unit was launched.
	StartedAt() time.Time

	// Poll reports current liveness without blocking on completion.
	// A non-nil error means liveness could not be determined this time;
	// callers tolerate a bounded number of consecutive errors before
	// treating the unit as lost.
	Poll(ctx context.Context) (PollResult, error)

	// Terminate sends a graceful stop signal and, if the unit is still
	// alive after grace, force-kills it.
	Terminate(ctx context.Context, grace time.Duration) error
}

// Launcher starts execution units for runs.
// Implementations include exec, Docker and Kubernetes backends.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
}
