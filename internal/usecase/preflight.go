package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"forgebot/internal/domain"
)

// CheckStatus represents the result of a startup check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
	StatusSkip CheckStatus = "SKIP"
)

// CheckResult holds the outcome of a single startup check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// PreflightConfig is the slice of configuration the startup checks look at.
type PreflightConfig struct {
	DiscordToken   string
	ProjectsDir    string
	Executable     string
	GitHubEnabled  bool
	GitHubToken    string
	GitHubUsername string
	GitignorePath  string
	AIEndpoint     string
	AIKey          string
	AIDeployment   string
}

// PreflightDeps holds the probes used by the checks. Nil probes fall back to
// the real implementations or skip the check.
type PreflightDeps struct {
	LookPath    func(file string) (string, error)
	Version     func(ctx context.Context, executable string) (string, error)
	GitHubLogin func(ctx context.Context) (string, error) // optional
	AI          domain.Completer                          // optional
	Logger      *slog.Logger
}

// Preflight validates the integrations before the bot connects.
type Preflight struct {
	config PreflightConfig
	deps   PreflightDeps
}

// NewPreflight creates a Preflight.
func NewPreflight(cfg PreflightConfig, deps PreflightDeps) *Preflight {
	if deps.LookPath == nil {
		deps.LookPath = exec.LookPath
	}
	if deps.Version == nil {
		deps.Version = commandVersion
	}
	return &Preflight{config: cfg, deps: deps}
}

// Run executes every check in order and logs each result. Checks never panic
// the caller; use FailedChecks to decide whether to abort.
func (p *Preflight) Run(ctx context.Context) []CheckResult {
	checks := []struct {
		name string
		fn   func(context.Context) CheckResult
	}{
		{"Discord bot token", p.checkDiscordToken},
		{"Folder access", p.checkFolderAccess},
		{"Git", p.checkGit},
		{"Copilot CLI", p.checkCLI},
		{"GitHub integration", p.checkGitHub},
		{"Azure OpenAI", p.checkAI},
	}

	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		r := p.safe(ctx, c.fn)
		r.Name = c.name
		results = append(results, r)
		p.log(r)
	}

	var pass, warn, fail, skip int
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		case StatusSkip:
			skip++
		}
	}
	p.deps.Logger.Info("startup checks finished", "passed", pass, "warnings", warn, "failed", fail, "skipped", skip)
	return results
}

// FailedChecks returns the results with StatusFail.
func FailedChecks(results []CheckResult) []CheckResult {
	var out []CheckResult
	for _, r := range results {
		if r.Status == StatusFail {
			out = append(out, r)
		}
	}
	return out
}

func (p *Preflight) safe(ctx context.Context, fn func(context.Context) CheckResult) (r CheckResult) {
	defer func() {
		if v := recover(); v != nil {
			r = CheckResult{Status: StatusFail, Message: fmt.Sprintf("check panicked: %v", v)}
		}
	}()
	return fn(ctx)
}

func (p *Preflight) log(r CheckResult) {
	attrs := []any{"check", r.Name, "status", string(r.Status), "message", r.Message}
	if r.Fix != "" {
		attrs = append(attrs, "fix", r.Fix)
	}
	switch r.Status {
	case StatusFail:
		p.deps.Logger.Error("startup check", attrs...)
	case StatusWarn:
		p.deps.Logger.Warn("startup check", attrs...)
	default:
		p.deps.Logger.Info("startup check", attrs...)
	}
}

func (p *Preflight) checkDiscordToken(context.Context) CheckResult {
	switch {
	case p.config.DiscordToken == "":
		return CheckResult{Status: StatusFail, Message: "discord token is not set", Fix: "Set DISCORD_BOT_TOKEN in .env or discord.token in the config"}
	case len(p.config.DiscordToken) < 50:
		return CheckResult{Status: StatusWarn, Message: "discord token seems unusually short", Fix: "Verify the token in the Discord Developer Portal"}
	default:
		return CheckResult{Status: StatusPass, Message: "discord token is configured"}
	}
}

func (p *Preflight) checkFolderAccess(context.Context) CheckResult {
	dir := p.config.ProjectsDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot create projects directory %s: %v", dir, err)}
	}
	probe := filepath.Join(dir, ".startup_check_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("no write access to %s: %v", dir, err)}
	}
	_ = os.Remove(probe)

	if p.config.GitHubEnabled && p.config.GitignorePath != "" {
		if _, err := os.Stat(p.config.GitignorePath); err != nil {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s not found; published repositories get no .gitignore", p.config.GitignorePath),
			}
		}
	}
	return CheckResult{Status: StatusPass, Message: "projects directory: " + dir}
}

func (p *Preflight) checkGit(ctx context.Context) CheckResult {
	return p.checkTool(ctx, "git", "Install Git from https://git-scm.com/")
}

func (p *Preflight) checkCLI(ctx context.Context) CheckResult {
	return p.checkTool(ctx, p.config.Executable, "Install the Copilot CLI and make sure it is on PATH")
}

func (p *Preflight) checkTool(ctx context.Context, name, fix string) CheckResult {
	path, err := p.deps.LookPath(name)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: name + " not found in PATH", Fix: fix}
	}
	version, err := p.deps.Version(ctx, path)
	if errors.Is(err, context.DeadlineExceeded) {
		return CheckResult{Status: StatusWarn, Message: "timeout checking " + name}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s --version failed: %v", name, err), Fix: fix}
	}
	if version == "" {
		version = "unknown version"
	}
	return CheckResult{Status: StatusPass, Message: version}
}

func (p *Preflight) checkGitHub(ctx context.Context) CheckResult {
	if !p.config.GitHubEnabled {
		return CheckResult{Status: StatusSkip, Message: "github integration is disabled"}
	}
	var missing []string
	if p.config.GitHubToken == "" {
		missing = append(missing, "GITHUB_TOKEN")
	}
	if p.config.GitHubUsername == "" {
		missing = append(missing, "GITHUB_USERNAME")
	}
	if len(missing) > 0 {
		return CheckResult{Status: StatusFail, Message: "missing " + strings.Join(missing, ", "), Fix: "Set them in .env"}
	}
	if p.deps.GitHubLogin == nil {
		return CheckResult{Status: StatusPass, Message: "credentials configured"}
	}

	login, err := p.deps.GitHubLogin(ctx)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("github api: %v", err), Fix: "Check that the token has the 'repo' scope"}
	}
	if !strings.EqualFold(login, p.config.GitHubUsername) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("authenticated as %q but the configured username is %q", login, p.config.GitHubUsername),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("connected as %q", login)}
}

func (p *Preflight) checkAI(ctx context.Context) CheckResult {
	c := p.config
	if c.AIEndpoint == "" && c.AIKey == "" && c.AIDeployment == "" {
		return CheckResult{Status: StatusSkip, Message: "azure openai is not configured; names fall back to timestamps"}
	}
	var missing []string
	for name, v := range map[string]string{
		"AZURE_OPENAI_ENDPOINT":        c.AIEndpoint,
		"AZURE_OPENAI_API_KEY":         c.AIKey,
		"AZURE_OPENAI_DEPLOYMENT_NAME": c.AIDeployment,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return CheckResult{Status: StatusWarn, Message: "incomplete configuration, missing " + strings.Join(missing, ", ")}
	}
	if p.deps.AI == nil {
		return CheckResult{Status: StatusPass, Message: "configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := p.deps.AI.Complete(ctx, domain.CompletionRequest{
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "test"}},
		MaxTokens: 5,
	})
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("could not verify connectivity: %v", err)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("connected to deployment %q", c.AIDeployment)}
}

func commandVersion(ctx context.Context, executable string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, executable, "--version").Output()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line, nil
}
