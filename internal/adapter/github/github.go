// Package github publishes generated projects to GitHub repositories.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"forgebot/internal/domain"
	"forgebot/internal/infra/tracer"
)

const (
	defaultAPIURL   = "https://api.github.com"
	defaultBranch   = "main"
	defaultTimeout  = 2 * time.Minute
	commitMessage   = "Initial commit from forgebot"
	maxResponseBody = 1 << 20
	apiVersion      = "2022-11-28"
)

// Config holds the publisher settings.
type Config struct {
	Token         string
	Username      string
	APIURL        string
	Branch        string
	GitignorePath string        // optional, copied into the workspace before the first commit
	GitTimeout    time.Duration // per git command
	Enabled       bool
}

// Repository is the subset of the GitHub repository object the bot uses.
type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
	CloneURL string `json:"clone_url"`
	Private  bool   `json:"private"`
}

// User is the authenticated account.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Publisher creates repositories through the REST API and pushes workspaces
// with the git executable.
type Publisher struct {
	cfg    Config
	client *http.Client
	git    GitRunner
	logger *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHTTPClient replaces the API client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.client = c }
}

// WithGitRunner replaces the git executable.
func WithGitRunner(r GitRunner) Option {
	return func(p *Publisher) { p.git = r }
}

// NewPublisher creates a Publisher.
func NewPublisher(cfg Config, logger *slog.Logger, opts ...Option) *Publisher {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.Branch == "" {
		cfg.Branch = defaultBranch
	}
	if cfg.GitTimeout <= 0 {
		cfg.GitTimeout = defaultTimeout
	}
	p := &Publisher{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		git:    ExecGit{},
		logger: logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Configured implements domain.RepoPublisher.
func (p *Publisher) Configured() bool {
	return p.cfg.Enabled && p.cfg.Token != "" && p.cfg.Username != ""
}

// Publish implements domain.RepoPublisher: copy .gitignore, create the
// repository, then commit and push everything in dir.
func (p *Publisher) Publish(ctx context.Context, dir, name, description string, private bool) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "github.publish",
		trace.WithAttributes(tracer.StringAttr("github.repo", name)),
	)
	defer span.End()

	if !p.Configured() {
		return "", domain.NewSubSystemError("github", "Publish", domain.ErrNotConfigured, "set GITHUB_TOKEN and GITHUB_USERNAME")
	}

	user, err := p.CurrentUser(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	if err := p.copyGitignore(dir); err != nil {
		p.logger.Warn("could not copy .gitignore", "dir", dir, "error", err)
	}

	repo, err := p.CreateRepository(ctx, name, description, private)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	if err := p.Push(ctx, dir, repo, user); err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	tracer.SetOK(span)
	p.logger.Info("pushed project to github", "repo", repo.FullName, "url", repo.HTMLURL)
	return repo.HTMLURL, nil
}

// CurrentUser returns the account the token belongs to.
func (p *Publisher) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := p.do(ctx, http.MethodGet, "/user", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Login returns the token owner's login. Used by the startup checks.
func (p *Publisher) Login(ctx context.Context) (string, error) {
	u, err := p.CurrentUser(ctx)
	if err != nil {
		return "", err
	}
	return u.Login, nil
}

// CreateRepository creates an empty repository owned by the token's user.
func (p *Publisher) CreateRepository(ctx context.Context, name, description string, private bool) (*Repository, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
		"private":     private,
		"auto_init":   false,
	}
	var repo Repository
	if err := p.do(ctx, http.MethodPost, "/user/repos", body, &repo); err != nil {
		return nil, err
	}
	p.logger.Info("created github repository", "repo", repo.FullName, "private", repo.Private)
	return &repo, nil
}

// Push commits the workspace and pushes it to the repository's default branch.
func (p *Publisher) Push(ctx context.Context, dir string, repo *Repository, user *User) error {
	remote, err := p.remoteURL(repo, user)
	if err != nil {
		return err
	}
	gitName := user.Name
	if gitName == "" {
		gitName = user.Login
	}
	gitEmail := user.Email
	if gitEmail == "" {
		gitEmail = user.Login + "@users.noreply.github.com"
	}

	steps := [][]string{
		{"init"},
		{"config", "user.name", gitName},
		{"config", "user.email", gitEmail},
		{"add", "."},
		{"commit", "-m", commitMessage},
		{"branch", "-M", p.cfg.Branch},
		{"remote", "add", "origin", remote},
		{"push", "-u", "origin", p.cfg.Branch},
	}
	for _, args := range steps {
		if err := p.runGit(ctx, dir, args); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) runGit(ctx context.Context, dir string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.GitTimeout)
	defer cancel()

	out, err := p.git.Run(ctx, dir, args...)
	if err == nil {
		return nil
	}
	// Only the subcommand is reported; the remote URL carries the token.
	op := "git " + args[0]
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewSubSystemError("git", op, domain.ErrTimeout, "git operation timed out")
	}
	return domain.NewSubSystemError("github", op, domain.ErrPublishFailed, p.redact(strings.TrimSpace(out)))
}

func (p *Publisher) remoteURL(repo *Repository, user *User) (string, error) {
	clone := repo.CloneURL
	if clone == "" {
		clone = fmt.Sprintf("https://github.com/%s/%s.git", user.Login, repo.Name)
	}
	u, err := url.Parse(clone)
	if err != nil {
		return "", domain.NewSubSystemError("github", "Push", domain.ErrPublishFailed, fmt.Sprintf("invalid clone url %q", clone))
	}
	u.User = url.UserPassword(user.Login, p.cfg.Token)
	return u.String(), nil
}

func (p *Publisher) redact(s string) string {
	if p.cfg.Token == "" {
		return s
	}
	return strings.ReplaceAll(s, p.cfg.Token, "***")
}

func (p *Publisher) copyGitignore(dir string) error {
	if p.cfg.GitignorePath == "" {
		return nil
	}
	data, err := os.ReadFile(p.cfg.GitignorePath)
	if errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("gitignore template not found", "path", p.cfg.GitignorePath)
		return nil
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ".gitignore"), data, 0o644)
}

type apiError struct {
	Message string `json:"message"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (p *Publisher) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.APIURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.NewSubSystemError("github", method+" "+path, domain.ErrPublishFailed, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return mapAPIError(method+" "+path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func mapAPIError(op string, status int, body []byte) error {
	var ae apiError
	detail := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
		detail = ae.Message
		for _, e := range ae.Errors {
			if e.Message != "" {
				detail += ": " + e.Message
			}
		}
	}
	detail = fmt.Sprintf("GitHub API error %d: %s", status, detail)

	switch {
	case status == http.StatusUnauthorized:
		return domain.NewSubSystemError("github", op, domain.ErrAuthInvalid, detail)
	case status == http.StatusTooManyRequests:
		return domain.NewSubSystemError("github", op, domain.ErrRateLimit, detail)
	case status == http.StatusForbidden && strings.Contains(strings.ToLower(detail), "rate limit"):
		return domain.NewSubSystemError("github", op, domain.ErrRateLimit, detail)
	case status == http.StatusForbidden:
		return domain.NewSubSystemError("github", op, domain.ErrAuthInvalid, detail)
	case status == http.StatusUnprocessableEntity:
		// Usually "name already exists on this account".
		return domain.NewSubSystemError("github", op, domain.ErrInvalidInput, detail)
	default:
		return domain.NewSubSystemError("github", op, domain.ErrPublishFailed, detail)
	}
}

var _ domain.RepoPublisher = (*Publisher)(nil)
