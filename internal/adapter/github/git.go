package github

import (
	"bytes"
	"context"
	"os/exec"
)

// GitRunner runs a git subcommand in dir and returns its combined output.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit runs the git executable found on PATH.
type ExecGit struct{}

func (ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Never prompt for credentials.
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
