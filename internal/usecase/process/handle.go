package process

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is a launched external process.
type Handle struct {
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error

	kills atomic.Int32
}

func newHandle(cmd *exec.Cmd) *Handle {
	return &Handle{
		cmd:      cmd,
		started:  time.Now(),
		done:     make(chan struct{}),
		exitCode: -1,
	}
}

// wait reaps the process and records its exit status. Run exactly once.
func (h *Handle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.waitErr = err
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Unlock()

	close(h.done)
}

// PID returns the operating system process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done returns a channel closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code and whether the process has exited.
// A process terminated by a signal reports -1.
func (h *Handle) ExitCode() (int, bool) {
	if !h.Exited() {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, true
}

// Elapsed returns the time since launch.
func (h *Handle) Elapsed() time.Duration { return time.Since(h.started) }

// Kill forcibly terminates the process and its process group.
// Killing an exited process is a no-op.
func (h *Handle) Kill() error {
	if h.Exited() || h.cmd.Process == nil {
		return nil
	}
	h.kills.Add(1)
	err := killProcess(h.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// WaitExit blocks until the process exits or timeout elapses.
// It reports whether the process exited.
func (h *Handle) WaitExit(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

func (h *Handle) killCount() int { return int(h.kills.Load()) }
