package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okPreflight(t *testing.T) (PreflightConfig, PreflightDeps) {
	t.Helper()
	cfg := PreflightConfig{
		DiscordToken: strings.Repeat("t", 60),
		ProjectsDir:  filepath.Join(t.TempDir(), "projects"),
		Executable:   "copilot",
	}
	deps := PreflightDeps{
		LookPath: func(file string) (string, error) { return "/usr/bin/" + file, nil },
		Version:  func(_ context.Context, exe string) (string, error) { return filepath.Base(exe) + " 1.0.0", nil },
		Logger:   discardLogger(),
	}
	return cfg, deps
}

func resultByName(t *testing.T, results []CheckResult, name string) CheckResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no check named %q", name)
	return CheckResult{}
}

func TestPreflightAllPass(t *testing.T) {
	cfg, deps := okPreflight(t)
	results := NewPreflight(cfg, deps).Run(context.Background())

	require.Len(t, results, 6)
	assert.Empty(t, FailedChecks(results))
	assert.Equal(t, "git 1.0.0", resultByName(t, results, "Git").Message)
	assert.Equal(t, "copilot 1.0.0", resultByName(t, results, "Copilot CLI").Message)
	assert.Equal(t, StatusSkip, resultByName(t, results, "GitHub integration").Status)
	assert.Equal(t, StatusSkip, resultByName(t, results, "Azure OpenAI").Status)
	assert.DirExists(t, cfg.ProjectsDir)
	assert.NoFileExists(t, filepath.Join(cfg.ProjectsDir, ".startup_check_test"))
}

func TestPreflightDiscordToken(t *testing.T) {
	cfg, deps := okPreflight(t)
	cfg.DiscordToken = ""
	assert.Equal(t, StatusFail, resultByName(t, NewPreflight(cfg, deps).Run(context.Background()), "Discord bot token").Status)

	cfg.DiscordToken = "short"
	assert.Equal(t, StatusWarn, resultByName(t, NewPreflight(cfg, deps).Run(context.Background()), "Discord bot token").Status)
}

func TestPreflightMissingTools(t *testing.T) {
	cfg, deps := okPreflight(t)
	deps.LookPath = func(string) (string, error) { return "", errors.New("not found") }

	failed := FailedChecks(NewPreflight(cfg, deps).Run(context.Background()))
	var names []string
	for _, r := range failed {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"Git", "Copilot CLI"}, names)
}

func TestPreflightVersionTimeout(t *testing.T) {
	cfg, deps := okPreflight(t)
	deps.Version = func(context.Context, string) (string, error) { return "", context.DeadlineExceeded }

	r := resultByName(t, NewPreflight(cfg, deps).Run(context.Background()), "Git")
	assert.Equal(t, StatusWarn, r.Status)
}

func TestPreflightFolderNotWritable(t *testing.T) {
	cfg, deps := okPreflight(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	cfg.ProjectsDir = filepath.Join(blocker, "projects")

	r := resultByName(t, NewPreflight(cfg, deps).Run(context.Background()), "Folder access")
	assert.Equal(t, StatusFail, r.Status)
}

func TestPreflightGitHub(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		user   string
		login  func(context.Context) (string, error)
		status CheckStatus
		msg    string
	}{
		{"missing creds", "", "", nil, StatusFail, "GITHUB_TOKEN, GITHUB_USERNAME"},
		{"no probe", "t", "octo", nil, StatusPass, "credentials configured"},
		{"connected", "t", "Octo", func(context.Context) (string, error) { return "octo", nil }, StatusPass, `connected as "octo"`},
		{"other user", "t", "octo", func(context.Context) (string, error) { return "someone", nil }, StatusWarn, "authenticated as"},
		{"api error", "t", "octo", func(context.Context) (string, error) { return "", errors.New("401 Bad credentials") }, StatusFail, "Bad credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, deps := okPreflight(t)
			cfg.GitHubEnabled = true
			cfg.GitHubToken, cfg.GitHubUsername = tt.token, tt.user
			deps.GitHubLogin = tt.login

			r := resultByName(t, NewPreflight(cfg, deps).Run(context.Background()), "GitHub integration")
			assert.Equal(t, tt.status, r.Status)
			assert.Contains(t, r.Message, tt.msg)
		})
	}
}

func TestPreflightGitignoreMissing(t *testing.T) {
	cfg, deps := okPreflight(t)
	cfg.GitHubEnabled = true
	cfg.GitHubToken, cfg.GitHubUsername = "t", "octo"
	cfg.GitignorePath = filepath.Join(t.TempDir(), "missing.gitignore")

	r := resultByName(t, NewPreflight(cfg, deps).Run(context.Background()), "Folder access")
	assert.Equal(t, StatusWarn, r.Status)
}

func TestPreflightAI(t *testing.T) {
	cfg, deps := okPreflight(t)
	cfg.AIEndpoint = "https://example.openai.azure.com"
	r := resultByName(t, NewPreflight(cfg, deps).Run(context.Background()), "Azure OpenAI")
	assert.Equal(t, StatusWarn, r.Status)
	assert.Equal(t, "incomplete configuration, missing AZURE_OPENAI_API_KEY, AZURE_OPENAI_DEPLOYMENT_NAME", r.Message)

	cfg.AIKey, cfg.AIDeployment = "k", "gpt-4o"
	c := &scriptedCompleter{replies: []string{"ok"}}
	deps.AI = c
	r = resultByName(t, NewPreflight(cfg, deps).Run(context.Background()), "Azure OpenAI")
	assert.Equal(t, StatusPass, r.Status)
	assert.Equal(t, 1, c.calls())

	deps.AI = &scriptedCompleter{errs: []error{errors.New("connection refused")}}
	r = resultByName(t, NewPreflight(cfg, deps).Run(context.Background()), "Azure OpenAI")
	assert.Equal(t, StatusWarn, r.Status, "AI is optional")
}

func TestPreflightRecoversPanics(t *testing.T) {
	cfg, deps := okPreflight(t)
	deps.Version = func(context.Context, string) (string, error) { panic("boom") }

	r := resultByName(t, NewPreflight(cfg, deps).Run(context.Background()), "Git")
	assert.Equal(t, StatusFail, r.Status)
	assert.Contains(t, r.Message, "boom")
}

func TestCommandVersion(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	exe := filepath.Join(dir, "fakecli")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\necho 'fakecli 2.3.4'\necho extra\n"), 0o755))

	v, err := commandVersion(context.Background(), exe)
	require.NoError(t, err)
	assert.Equal(t, "fakecli 2.3.4", v)
}
