package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ExecLauncher runs execution units as local subprocesses. It is
// primarily used for development and single-host deployments.
type ExecLauncher struct {
	// WorkDir is the root under which each run gets a scratch directory.
	WorkDir string
}

// NewExecLauncher creates a new subprocess launcher. An empty workDir
// defaults to a directory under the system temp dir.
func NewExecLauncher(workDir string) *ExecLauncher {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "flowplane", "runs")
	}
	return &ExecLauncher{WorkDir: workDir}
}

// Launch implements Launcher.Launch using os/exec.
func (e *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("exec launcher requires a command")
	}

	runDir := filepath.Join(e.WorkDir, spec.RunID.String())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	logFile, err := os.Create(filepath.Join(runDir, "run.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create run log: %w", err)
	}

	// Deliberately not exec.CommandContext: the process must survive the
	// runner's own context so a reschedule hand-off can leave it running.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = runDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Each run leads its own process group so Terminate reaches any
	// children the command spawned, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &execHandle{
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	go func() {
		defer logFile.Close()
		h.finish(cmd.Wait())
	}()

	return h, nil
}

// execHandle tracks one subprocess. The reaper goroutine started in
// Launch records the exit outcome; Poll only inspects recorded state.
type execHandle struct {
	cmd       *exec.Cmd
	startedAt time.Time

	mu     sync.Mutex
	result PollResult
	done   chan struct{}
}

func (h *execHandle) finish(waitErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case waitErr == nil:
		h.result = PollResult{State: StateExited, ExitCode: 0}
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if code := exitErr.ExitCode(); code >= 0 {
				h.result = PollResult{State: StateExited, ExitCode: code, Reason: waitErr.Error()}
			} else {
				// Killed by a signal: no exit outcome was reported.
				h.result = PollResult{State: StateLost, Reason: waitErr.Error()}
			}
		} else {
			h.result = PollResult{State: StateLost, Reason: waitErr.Error()}
		}
	}

	close(h.done)
}

func (h *execHandle) Ref() string {
	return strconv.Itoa(h.cmd.Process.Pid)
}

func (h *execHandle) StartedAt() time.Time {
	return h.startedAt
}

// Poll implements Handle.Poll.
func (h *execHandle) Poll(ctx context.Context) (PollResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	default:
		return PollResult{State: StateRunning}, nil
	}
}

// signalGroup delivers sig to the run's whole process group. A group
// that is already gone is not an error.
func (h *execHandle) signalGroup(sig syscall.Signal) error {
	err := syscall.Kill(-h.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Terminate implements Handle.Terminate: SIGTERM to the process group,
// bounded wait, SIGKILL to the process group.
func (h *execHandle) Terminate(ctx context.Context, grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.signalGroup(syscall.SIGTERM); err != nil {
		// The group may have exited between the check and the signal.
		select {
		case <-h.done:
			return nil
		default:
			return fmt.Errorf("failed to signal process group: %w", err)
		}
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := h.signalGroup(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	// The reaper closes done once Wait returns.
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
