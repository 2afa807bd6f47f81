package process

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultKillGrace bounds how long KillAll waits for each process to die.
const DefaultKillGrace = 5 * time.Second

// Process is the view of a live external process the registry needs.
type Process interface {
	PID() int
	Kill() error
	WaitExit(timeout time.Duration) bool
}

// Registry tracks every live external process so a shutdown can reach them.
// Handles are keyed by identity.
type Registry struct {
	mu        sync.Mutex
	procs     map[Process]struct{}
	killGrace time.Duration
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry. killGrace <= 0 uses DefaultKillGrace.
func NewRegistry(killGrace time.Duration, logger *slog.Logger) *Registry {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &Registry{
		procs:     make(map[Process]struct{}),
		killGrace: killGrace,
		logger:    logger,
	}
}

// Register adds p to the set.
func (r *Registry) Register(p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p] = struct{}{}
	r.logger.Debug("process registered", "pid", p.PID(), "active", len(r.procs))
}

// Unregister removes p and reports whether it was present.
func (r *Registry) Unregister(p Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[p]; !ok {
		return false
	}
	delete(r.procs, p)
	r.logger.Debug("process unregistered", "pid", p.PID(), "active", len(r.procs))
	return true
}

// ActiveCount returns the number of registered processes.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// KillAll kills every registered process and waits, up to the kill grace
// per process or until ctx is done, for each to exit. Processes that
// survive are logged. It returns the number of processes signalled.
func (r *Registry) KillAll(ctx context.Context) int {
	procs := r.drain()
	if len(procs) == 0 {
		return 0
	}
	r.logger.Info("killing registered processes", "count", len(procs))

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p Process) {
			defer wg.Done()
			if err := p.Kill(); err != nil {
				r.logger.Warn("kill failed", "pid", p.PID(), "error", err)
				return
			}
			if !p.WaitExit(r.killGrace) {
				r.logger.Warn("process did not exit after kill", "pid", p.PID(), "grace", r.killGrace)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("stopped waiting for killed processes", "error", ctx.Err())
	}
	return len(procs)
}

// KillAllNow kills every registered process without waiting for exit.
// It is safe to call from a signal path just before the program exits.
func (r *Registry) KillAllNow() int {
	procs := r.drain()
	for _, p := range procs {
		if err := p.Kill(); err != nil {
			r.logger.Warn("kill failed", "pid", p.PID(), "error", err)
		}
	}
	return len(procs)
}

// Reset forgets every registered process without killing it.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs = make(map[Process]struct{})
}

// drain removes and returns all registered processes.
func (r *Registry) drain() []Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	procs := make([]Process, 0, len(r.procs))
	for p := range r.procs {
		procs = append(procs, p)
	}
	r.procs = make(map[Process]struct{})
	return procs
}
