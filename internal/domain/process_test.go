package domain

import (
	"sync"
	"testing"
)

func TestSignalFiresOnce(t *testing.T) {
	s := NewSignal()
	if s.Fired() {
		t.Fatal("new signal should not be fired")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Fire() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Fire returned true %d times, want 1", winners)
	}
	if !s.Fired() {
		t.Error("signal should stay fired")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done channel should be closed")
	}
}

func TestRunStateIsRunning(t *testing.T) {
	st := NewRunState()
	if !st.IsRunning() {
		t.Fatal("new run state should be running")
	}
	st.Failed.Fire()
	if !st.IsRunning() {
		t.Error("failure alone does not clear running")
	}
	st.Finished.Fire()
	if st.IsRunning() {
		t.Error("finished run should not be running")
	}
}

func TestRunOutcomeStatus(t *testing.T) {
	tests := []struct {
		name    string
		outcome RunOutcome
		want    RunStatus
		success bool
	}{
		{"exit zero", RunOutcome{Exited: true}, RunStatusSucceeded, true},
		{"exit one", RunOutcome{Exited: true, ExitCode: 1}, RunStatusExitCode, false},
		{"timeout", RunOutcome{TimedOut: true, Exited: true, ExitCode: -1}, RunStatusTimedOut, false},
		{"launch error", RunOutcome{ErrorOccurred: true, ErrorMessage: "not found"}, RunStatusError, false},
		{"never exited", RunOutcome{}, RunStatusExitCode, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Status(); got != tt.want {
				t.Errorf("Status() = %q, want %q", got, tt.want)
			}
			if got := tt.outcome.Success(); got != tt.success {
				t.Errorf("Success() = %v, want %v", got, tt.success)
			}
		})
	}
}

func TestRunOutcomeExitCodeText(t *testing.T) {
	if got := (RunOutcome{}).ExitCodeText(); got != "unknown" {
		t.Errorf("ExitCodeText() = %q, want unknown", got)
	}
	if got := (RunOutcome{Exited: true, ExitCode: 3}).ExitCodeText(); got != "3" {
		t.Errorf("ExitCodeText() = %q, want 3", got)
	}
}
