package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"forgebot/internal/domain"
)

// MonitorConfig holds configuration for the Monitor.
type MonitorConfig struct {
	Executable       string        // code generation CLI (default: "copilot")
	Flags            []string      // fixed flags passed on every run
	PromptFlag       string        // flag preceding the prompt (default: "-p")
	ModelFlag        string        // flag preceding the model (default: "--model")
	Timeout          time.Duration // wall-clock budget per run (default: 30m)
	ProgressInterval time.Duration // "still executing" log cadence (default: 30s)
	KillGrace        time.Duration // wait after kill before giving up (default: 5s)
	DrainGrace       time.Duration // wait for output drain after exit (default: 2s)
}

// DefaultFlags are the fixed CLI flags used when none are configured.
var DefaultFlags = []string{"--allow-all-paths", "--allow-all-tools", "--allow-all-urls"}

// RunRequest describes a single CLI invocation.
type RunRequest struct {
	RunID   string
	WorkDir string
	Prompt  string
	Model   string       // empty selects the CLI default
	Logger  *slog.Logger // per-run logger; falls back to the monitor's
}

// Result is the terminal report of a run.
type Result struct {
	TimedOut      bool
	ErrorOccurred bool
	ErrorMessage  string
	Err           error   // set with ErrorOccurred
	Process       *Handle // nil when launch failed
}

// Outcome converts the result into the domain outcome consumed downstream.
func (r Result) Outcome() domain.RunOutcome {
	o := domain.RunOutcome{
		TimedOut:      r.TimedOut,
		ErrorOccurred: r.ErrorOccurred,
		ErrorMessage:  r.ErrorMessage,
	}
	if r.Process != nil {
		o.ExitCode, o.Exited = r.Process.ExitCode()
	}
	return o
}

// Monitor launches the code generation CLI and supervises one run at a time
// per call. It is safe for concurrent use.
type Monitor struct {
	config   MonitorConfig
	registry *Registry
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewMonitor creates a Monitor. bus may be nil.
func NewMonitor(cfg MonitorConfig, registry *Registry, bus domain.EventBus, logger *slog.Logger) *Monitor {
	if cfg.Executable == "" {
		cfg.Executable = "copilot"
	}
	if cfg.Flags == nil {
		cfg.Flags = DefaultFlags
	}
	if cfg.PromptFlag == "" {
		cfg.PromptFlag = "-p"
	}
	if cfg.ModelFlag == "" {
		cfg.ModelFlag = "--model"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 30 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 2 * time.Second
	}
	return &Monitor{config: cfg, registry: registry, bus: bus, logger: logger}
}

// Timeout returns the configured wall-clock budget.
func (m *Monitor) Timeout() time.Duration { return m.config.Timeout }

// Args builds the CLI arguments for a prompt and optional model.
func (m *Monitor) Args(prompt, model string) []string {
	args := make([]string, 0, len(m.config.Flags)+4)
	args = append(args, m.config.Flags...)
	if model != "" {
		args = append(args, m.config.ModelFlag, model)
	}
	return append(args, m.config.PromptFlag, prompt)
}

// Run executes the CLI in req.WorkDir, appending its merged stdout and stderr
// to buf line by line. It returns when the process exits, the timeout
// elapses, or ctx is cancelled. failed is fired when the run errors.
// A non-zero exit code is reported through the handle, not as an error.
func (m *Monitor) Run(ctx context.Context, req RunRequest, buf *Buffer, failed *domain.Signal) Result {
	log := req.Logger
	if log == nil {
		log = m.logger
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return m.launchFailed(log, failed, err)
	}

	cmd := exec.Command(m.config.Executable, m.Args(req.Prompt, req.Model)...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = pw
	cmd.Stderr = pw
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return m.launchFailed(log, failed, err)
	}
	// The child holds its own copy; closing ours lets the drain see EOF.
	pw.Close()

	h := newHandle(cmd)
	m.registry.Register(h)
	defer m.registry.Unregister(h)

	go h.wait()

	log.Info("code generation started", "pid", h.PID(), "workdir", req.WorkDir, "model", modelName(req.Model))
	m.emitEvent(ctx, domain.EventProcessStarted, req.RunID, map[string]any{
		"pid":     h.PID(),
		"workdir": req.WorkDir,
	})

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		m.drain(pr, buf, log)
	}()
	go m.ping(h, log)

	res := Result{Process: h}
	switch race(ctx, h.Done(), m.config.Timeout) {
	case outcomeExited:
		code, _ := h.ExitCode()
		log.Info("code generation exited", "exit_code", code, "elapsed", h.Elapsed().Round(time.Second))
		m.emitEvent(ctx, domain.EventProcessExited, req.RunID, map[string]any{"exit_code": code})

	case outcomeTimedOut:
		log.Warn("code generation timed out", "timeout", m.config.Timeout)
		m.kill(h, log, req.RunID, "timeout")
		res.TimedOut = true

	case outcomeCancelled:
		log.Warn("code generation cancelled", "error", ctx.Err())
		m.kill(h, log, req.RunID, "cancelled")
		res.ErrorOccurred = true
		res.Err = domain.NewDomainError("Monitor.Run", domain.ErrRunCancelled, "")
		res.ErrorMessage = domain.ErrRunCancelled.Error()
		failed.Fire()
	}

	m.awaitDrain(h, drained, pr, log)

	if res.TimedOut {
		buf.Append(fmt.Sprintf("\n\n⏰ TIMEOUT: process killed after %s\n", FormatBudget(m.config.Timeout)))
	}
	return res
}

func (m *Monitor) launchFailed(log *slog.Logger, failed *domain.Signal, err error) Result {
	derr := domain.NewDomainError("Monitor.Run", domain.ErrLaunchFailed, fmt.Sprintf("%s: %v", m.config.Executable, err))
	log.Error("code generation failed to launch", "executable", m.config.Executable, "error", err)
	failed.Fire()
	return Result{
		ErrorOccurred: true,
		ErrorMessage:  fmt.Sprintf("failed to launch %s: %v", m.config.Executable, err),
		Err:           derr,
	}
}

// kill terminates h and waits a bounded time for it to exit. A process that
// survives is logged and abandoned.
func (m *Monitor) kill(h *Handle, log *slog.Logger, runID, reason string) {
	if err := h.Kill(); err != nil {
		log.Warn("kill failed", "pid", h.PID(), "error", err)
	}
	if !h.WaitExit(m.config.KillGrace) {
		log.Warn("process still running after kill", "pid", h.PID(), "grace", m.config.KillGrace)
	}
	m.emitEvent(context.Background(), domain.EventProcessKilled, runID, map[string]any{
		"pid":    h.PID(),
		"reason": reason,
	})
}

// drain reads the merged output stream until EOF and appends each line.
func (m *Monitor) drain(r io.ReadCloser, buf *Buffer, log *slog.Logger) {
	defer r.Close()
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			text := decode([]byte(line))
			buf.Append(text)
			log.Debug("cli", "line", strings.TrimRight(text, "\r\n"))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug("output drain stopped", "error", err)
			}
			return
		}
	}
}

// awaitDrain waits for the drain to reach EOF. Grandchildren that inherited
// the pipe can keep it open after the CLI exits; after the grace period the
// rest of the process group is killed and the read end closed.
func (m *Monitor) awaitDrain(h *Handle, drained <-chan struct{}, r *os.File, log *slog.Logger) {
	timer := time.NewTimer(m.config.DrainGrace)
	defer timer.Stop()
	select {
	case <-drained:
		return
	case <-timer.C:
	}
	log.Debug("output pipe still open after exit, killing process group", "pid", h.PID())
	if err := killGroup(h.PID()); err != nil {
		log.Warn("kill leftover process group", "pid", h.PID(), "error", err)
	}
	r.Close()
	<-drained
}

// ping logs progress while the process is alive. It never touches the buffer.
func (m *Monitor) ping(h *Handle, log *slog.Logger) {
	ticker := time.NewTicker(m.config.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.Done():
			return
		case <-ticker.C:
			log.Info("code generation still executing", "pid", h.PID(), "elapsed", h.Elapsed().Round(time.Second))
		}
	}
}

func (m *Monitor) emitEvent(ctx context.Context, typ domain.EventType, runID string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, domain.NewEvent(typ, runID, payload))
}

// outcome tags which branch of the exit/timeout/cancel race finished first.
type outcome int

const (
	outcomeExited outcome = iota
	outcomeTimedOut
	outcomeCancelled
)

// race waits for exited, the timeout, or ctx. When the process exits at the
// same instant the timer fires, the exit wins. timeout <= 0 disables the timer.
func race(ctx context.Context, exited <-chan struct{}, timeout time.Duration) outcome {
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-exited:
		return outcomeExited
	case <-timerC:
	case <-ctx.Done():
		select {
		case <-exited:
			return outcomeExited
		default:
			return outcomeCancelled
		}
	}

	select {
	case <-exited:
		return outcomeExited
	default:
		return outcomeTimedOut
	}
}

// FormatBudget renders a timeout for display: whole minutes as "N minutes",
// anything else in Go duration notation.
func FormatBudget(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	}
	return d.String()
}

func modelName(model string) string {
	if model == "" {
		return "default"
	}
	return model
}
