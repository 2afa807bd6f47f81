package domain

import (
	"fmt"
	"sync"
)

// Signal is a one-shot broadcast flag shared by the tasks of a run.
// Once fired it stays fired; there is no reset.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unfired Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire sets the signal. It reports whether this call was the one that fired it.
func (s *Signal) Fire() bool {
	fired := false
	s.once.Do(func() {
		close(s.ch)
		fired = true
	})
	return fired
}

// Fired reports whether the signal has been set.
func (s *Signal) Fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal fires.
func (s *Signal) Done() <-chan struct{} { return s.ch }

// RunState holds the cooperative flags of one run.
// Finished is fired by the orchestrator once the monitor returns; Failed is
// fired by the monitor when launch or execution fails.
type RunState struct {
	Finished *Signal
	Failed   *Signal
}

// NewRunState returns a RunState with both signals unfired.
func NewRunState() *RunState {
	return &RunState{Finished: NewSignal(), Failed: NewSignal()}
}

// IsRunning reports whether the external process may still be producing output.
func (s *RunState) IsRunning() bool { return !s.Finished.Fired() }

// RunStatus is the display status of a run.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusExitCode   RunStatus = "exit_code"
	RunStatusTimedOut   RunStatus = "timed_out"
	RunStatusError      RunStatus = "error"
)

// RunOutcome is the terminal result of a run as seen by downstream stages.
type RunOutcome struct {
	TimedOut      bool   `json:"timed_out"`
	ErrorOccurred bool   `json:"error_occurred"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Exited        bool   `json:"exited"`
	ExitCode      int    `json:"exit_code"`
}

// Success reports whether the process exited 0 within budget and without error.
func (o RunOutcome) Success() bool {
	return !o.TimedOut && !o.ErrorOccurred && o.Exited && o.ExitCode == 0
}

// Status maps the outcome onto a single terminal status.
// Timeout takes precedence over error, error over exit code.
func (o RunOutcome) Status() RunStatus {
	switch {
	case o.TimedOut:
		return RunStatusTimedOut
	case o.ErrorOccurred:
		return RunStatusError
	case o.Exited && o.ExitCode == 0:
		return RunStatusSucceeded
	default:
		return RunStatusExitCode
	}
}

// ExitCodeText renders the exit code, or "unknown" when the process never exited.
func (o RunOutcome) ExitCodeText() string {
	if !o.Exited {
		return "unknown"
	}
	return fmt.Sprintf("%d", o.ExitCode)
}
