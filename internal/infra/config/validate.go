package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found. Credentials are not required here; preflight
// decides which missing ones are fatal.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateDiscord(cfg, ve)
	validateCopilot(cfg, ve)
	validateStatus(cfg, ve)
	validateSession(cfg, ve)
	validateProjects(cfg, ve)
	validateGitHub(cfg, ve)
	validateAI(cfg, ve)
	validateScheduler(cfg, ve)
	validateHTTP(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	case "file":
		if cfg.Tracer.Output == "" {
			ve.Add("tracer.output is required for the file exporter")
		}
	default:
		ve.Add("tracer.exporter %q is not supported (stdout, file, noop)", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}

func validateDiscord(cfg *Config, ve *ValidationError) {
	if cfg.Discord.EditRate <= 0 {
		ve.Add("discord.edit_rate must be > 0")
	}
	if cfg.Discord.EditBurst <= 0 {
		ve.Add("discord.edit_burst must be > 0")
	}
}

var flagPattern = regexp.MustCompile(`^-{1,2}[A-Za-z0-9][A-Za-z0-9-]*(=.*)?$`)

func validateCopilot(cfg *Config, ve *ValidationError) {
	c := cfg.Copilot
	if c.Executable == "" {
		ve.Add("copilot.executable must not be empty")
	}
	if !flagPattern.MatchString(c.PromptFlag) {
		ve.Add("copilot.prompt_flag %q is not a flag", c.PromptFlag)
	}
	if !flagPattern.MatchString(c.ModelFlag) {
		ve.Add("copilot.model_flag %q is not a flag", c.ModelFlag)
	}
	for _, f := range c.Flags {
		if !flagPattern.MatchString(f) {
			ve.Add("copilot.flags: %q is not a flag", f)
		}
	}
	positive(ve, "copilot.timeout", c.Timeout)
	positive(ve, "copilot.progress_interval", c.ProgressInterval)
	positive(ve, "copilot.kill_grace", c.KillGrace)
	positive(ve, "copilot.drain_grace", c.DrainGrace)
}

func validateStatus(cfg *Config, ve *ValidationError) {
	s := cfg.Status
	positive(ve, "status.interval", s.Interval)
	for name, v := range map[string]int{
		"status.max_message_length":    s.MaxMessageLength,
		"status.max_tree_length":       s.MaxTreeLength,
		"status.max_output_length":     s.MaxOutputLength,
		"status.max_summary_length":    s.MaxSummaryLength,
		"status.prompt_preview_length": s.PromptPreviewLength,
		"status.tree_depth":            s.TreeDepth,
		"status.max_files_inline":      s.MaxFilesInline,
	} {
		if v <= 0 {
			ve.Add("%s must be > 0", name)
		}
	}
	if s.MaxMessageLength > 4000 {
		ve.Add("status.max_message_length %d exceeds the platform limit of 4000", s.MaxMessageLength)
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	positive(ve, "session.timeout", cfg.Session.Timeout)
	if cfg.Session.MaxPromptLength <= 0 {
		ve.Add("session.max_prompt_length must be > 0")
	}
}

func validateProjects(cfg *Config, ve *ValidationError) {
	if cfg.Projects.Dir == "" {
		ve.Add("projects.dir must not be empty")
	}
	if cfg.Projects.MaxParallelRuns <= 0 {
		ve.Add("projects.max_parallel_runs must be > 0")
	}
	if cfg.Projects.PromptFile == "" || strings.ContainsAny(cfg.Projects.PromptFile, `/\`) {
		ve.Add("projects.prompt_file must be a plain file name")
	}
}

func validateGitHub(cfg *Config, ve *ValidationError) {
	if !cfg.GitHub.Enabled {
		return
	}
	if !strings.HasPrefix(cfg.GitHub.APIURL, "https://") && !strings.HasPrefix(cfg.GitHub.APIURL, "http://") {
		ve.Add("github.api_url %q must be an http(s) URL", cfg.GitHub.APIURL)
	}
	if cfg.GitHub.Branch == "" {
		ve.Add("github.branch must not be empty")
	}
	positive(ve, "github.git_timeout", cfg.GitHub.GitTimeout)
}

func validateAI(cfg *Config, ve *ValidationError) {
	a := cfg.AI
	if a.Endpoint != "" && !strings.HasPrefix(a.Endpoint, "https://") && !strings.HasPrefix(a.Endpoint, "http://") {
		ve.Add("ai.endpoint %q must be an http(s) URL", a.Endpoint)
	}
	if a.MaxTokens <= 0 {
		ve.Add("ai.max_tokens must be > 0")
	}
	for name, t := range map[string]float64{
		"ai.refinement_temperature": a.RefinementTemperature,
		"ai.extraction_temperature": a.ExtractionTemperature,
	} {
		if t < 0 || t > 2 {
			ve.Add("%s must be between 0 and 2", name)
		}
	}
	positive(ve, "ai.timeout", a.Timeout)
	if a.CircuitBreaker.Enabled && a.CircuitBreaker.MaxFailures == 0 {
		ve.Add("ai.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	s := cfg.Scheduler
	if !s.Enabled {
		return
	}
	if s.SessionSweep == "" {
		ve.Add("scheduler.session_sweep must not be empty when the scheduler is enabled")
	} else if err := ValidateSchedule(s.SessionSweep); err != nil {
		ve.Add("scheduler.session_sweep: %v", err)
	}
	if s.WorkspacePrune != "" {
		if err := ValidateSchedule(s.WorkspacePrune); err != nil {
			ve.Add("scheduler.workspace_prune: %v", err)
		}
		positive(ve, "scheduler.workspace_max_age", s.WorkspaceMaxAge)
	}
}

// ValidateSchedule accepts a Go duration ("90s") or a standard five-field
// cron expression.
func ValidateSchedule(expr string) error {
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return fmt.Errorf("interval %q must be > 0", expr)
		}
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

func validateHTTP(cfg *Config, ve *ValidationError) {
	h := cfg.HTTP
	if h.Addr == "" {
		return
	}
	if _, _, err := net.SplitHostPort(h.Addr); err != nil {
		ve.Add("http.addr %q: %v", h.Addr, err)
	}
	if h.RateLimit <= 0 {
		ve.Add("http.rate_limit must be > 0")
	}
	if h.RateBurst <= 0 {
		ve.Add("http.rate_burst must be > 0")
	}
}

func positive(ve *ValidationError, name string, d time.Duration) {
	if d <= 0 {
		ve.Add("%s must be > 0", name)
	}
}
