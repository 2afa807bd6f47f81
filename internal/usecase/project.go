package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"forgebot/internal/domain"
	"forgebot/internal/infra/logger"
	"forgebot/internal/infra/tracer"
	"forgebot/internal/usecase/process"
	"forgebot/internal/usecase/status"
)

const (
	// promptLogLength caps the prompt echoed into the run log.
	promptLogLength = 100
	// maxNameAttempts bounds the numeric suffixes tried for a taken folder name.
	maxNameAttempts = 100
)

// GitHub status lines shown under the summary.
const (
	githubSkipped       = "**🐙 GitHub:** Skipped due to project creation failure"
	githubNotConfigured = "**🐙 GitHub:** Not configured (set GITHUB_TOKEN and GITHUB_USERNAME)"
)

// ProjectConfig holds the orchestration settings.
type ProjectConfig struct {
	Dir              string // parent of every workspace
	PromptFile       string // written into each workspace (default: COPILOT-PROMPT.md)
	Template         string // prepended to every prompt; may be empty
	MaxParallelRuns  int    // default: 4
	CleanupAfterPush bool
	GitHubEnabled    bool
	PrivateRepos     bool
}

// ProjectDeps holds injected dependencies for the ProjectService.
type ProjectDeps struct {
	Monitor   *process.Monitor
	Composer  *status.Composer
	Tree      *status.TreeRenderer
	Namer     *Namer
	Publisher domain.RepoPublisher // optional, nil = never publish
	Bus       domain.EventBus      // optional, nil = no events
	Logger    *slog.Logger
}

// ProjectRequest is one project creation request from the chat surface.
type ProjectRequest struct {
	Prompt    string
	Model     string
	User      domain.ChatUser
	ChannelID string
	Reply     domain.Replier
}

// BuildResult reports what a run produced.
type BuildResult struct {
	RunID        string
	FolderName   string
	WorkDir      string
	Outcome      domain.RunOutcome
	Description  string
	GitHubURL    string
	GitHubStatus string
	Files        int
	Dirs         int
	CleanedUp    bool
}

// Published reports whether the project reached the git provider.
func (r *BuildResult) Published() bool { return r.GitHubURL != "" }

// ProjectService runs the whole creation pipeline: workspace, live status,
// code generation, publishing, final status and log artifact.
type ProjectService struct {
	config ProjectConfig
	deps   ProjectDeps
	sem    *semaphore.Weighted
	now    func() time.Time

	mu      sync.Mutex
	running map[string]struct{} // absolute work dirs of in-flight runs
}

// NewProjectService creates a ProjectService.
func NewProjectService(cfg ProjectConfig, deps ProjectDeps) *ProjectService {
	if cfg.PromptFile == "" {
		cfg.PromptFile = "COPILOT-PROMPT.md"
	}
	if cfg.MaxParallelRuns <= 0 {
		cfg.MaxParallelRuns = 4
	}
	if deps.Tree == nil {
		deps.Tree = status.NewTreeRenderer(status.TreeConfig{})
	}
	return &ProjectService{
		config:  cfg,
		deps:    deps,
		sem:     semaphore.NewWeighted(int64(cfg.MaxParallelRuns)),
		now:     time.Now,
		running: make(map[string]struct{}),
	}
}

// Create runs one project build. Failures before the run starts are reported
// to the channel and returned; a run that starts always ends with a final
// status edit and a log artifact, whatever its outcome.
func (s *ProjectService) Create(ctx context.Context, req ProjectRequest) (*BuildResult, error) {
	if !s.sem.TryAcquire(1) {
		_, _ = req.Reply.Notify(ctx, fmt.Sprintf("⏳ %d builds are already running; yours starts when one finishes.", s.config.MaxParallelRuns))
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, domain.NewSubSystemError("project", "ProjectService.Create", domain.ErrLimitReached, err.Error())
		}
	}
	defer s.sem.Release(1)

	started := s.now()
	runID := generateULID(started)
	collector := logger.NewCollector(s.deps.Logger.Handler(), runID)
	log := collector.Logger()

	ctx, span := tracer.StartSpan(ctx, "project.create", trace.WithAttributes(
		tracer.StringAttr("run.id", runID),
		tracer.StringAttr("run.model", req.Model),
	))
	defer span.End()

	res := &BuildResult{RunID: runID}
	log.Info("project creation started", "user", req.User.Name, "channel_id", req.ChannelID)
	log.Info("prompt received", "prompt", status.TruncateHead(req.Prompt, promptLogLength))
	if req.Model != "" {
		log.Info("model selected", "model", req.Model)
	}

	fullPrompt := req.Prompt
	if s.config.Template != "" {
		fullPrompt = s.config.Template + "\n\n" + req.Prompt
		log.Info("prompt template prepended")
	}

	workDir, folder, err := s.createWorkspace(ctx, log, req, runID, started)
	if err != nil {
		log.Error("failed to create project directory", "error", err)
		_, _ = req.Reply.Notify(ctx, failureNotice("Failed to create project directory", err))
		res.Outcome = domain.RunOutcome{ErrorOccurred: true, ErrorMessage: err.Error()}
		tracer.RecordError(span, err)
		return res, domain.NewDomainError("ProjectService.Create", domain.ErrWorkspace, err.Error())
	}
	res.WorkDir, res.FolderName = workDir, folder
	s.track(workDir)
	defer s.untrack(workDir)

	view := status.View{
		ProjectName: folder,
		WorkDir:     workDir,
		Prompt:      req.Prompt,
		Model:       req.Model,
		UserMention: mentionOf(req.User),
	}
	comp := s.deps.Composer
	initial := comp.Body(view, "", comp.Label(nil))
	live, err := req.Reply.Post(ctx, initial)
	if err != nil {
		log.Error("failed to send status message", "error", err)
		_, _ = req.Reply.Notify(ctx, failureNotice("Failed to send message", err))
		res.Outcome = domain.RunOutcome{ErrorOccurred: true, ErrorMessage: err.Error()}
		tracer.RecordError(span, err)
		return res, fmt.Errorf("post status message: %w", err)
	}
	display := status.NewDisplay(live, initial)

	s.emit(ctx, domain.EventRunStarted, runID, map[string]string{
		"folder":     folder,
		"user_id":    req.User.ID,
		"channel_id": req.ChannelID,
	})

	buf := process.NewBuffer()
	state := domain.NewRunState()

	composeCtx, stopCompose := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		comp.Run(composeCtx, display, view, buf, state)
	}()

	result := s.deps.Monitor.Run(ctx, process.RunRequest{
		RunID:   runID,
		WorkDir: workDir,
		Prompt:  fullPrompt,
		Model:   req.Model,
		Logger:  log,
	}, buf, state.Failed)
	state.Finished.Fire()
	stopCompose()
	wg.Wait()

	res.Outcome = result.Outcome()
	s.emit(ctx, domain.EventRunCompleted, runID, res.Outcome)

	s.publish(ctx, log, res, req.Prompt)

	view.Description = res.Description
	view.GitHubLine = res.GitHubStatus
	// The run context may be gone by now; the final edit and the artifact
	// still have to go out.
	finalCtx := context.WithoutCancel(ctx)
	if err := comp.Push(finalCtx, display, comp.Final(view, buf, res.Outcome)); err != nil {
		log.Warn("final status update failed", "error", err)
	}

	res.Files, res.Dirs = s.deps.Tree.Count(workDir)
	log.Info("run completed", "files", res.Files, "dirs", res.Dirs, "status", string(res.Outcome.Status()))
	s.sendLog(finalCtx, log, req, collector, res, buf)

	if s.config.CleanupAfterPush && res.Published() {
		s.cleanup(log, res)
	}

	if res.Outcome.Success() {
		tracer.SetOK(span)
	} else if result.Err != nil {
		tracer.RecordError(span, result.Err)
	}
	return res, nil
}

// InUse reports whether dir belongs to a run that has not finished.
func (s *ProjectService) InUse(dir string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[abs]
	return ok
}

// Dir returns the projects root.
func (s *ProjectService) Dir() string { return s.config.Dir }

func (s *ProjectService) track(dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		s.mu.Lock()
		s.running[abs] = struct{}{}
		s.mu.Unlock()
	}
}

func (s *ProjectService) untrack(dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		s.mu.Lock()
		delete(s.running, abs)
		s.mu.Unlock()
	}
}

// createWorkspace makes the run directory and writes the prompt file into it.
func (s *ProjectService) createWorkspace(ctx context.Context, log *slog.Logger, req ProjectRequest, runID string, now time.Time) (string, string, error) {
	if err := os.MkdirAll(s.config.Dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create projects dir: %w", err)
	}

	base := ""
	if s.deps.Namer != nil {
		base = s.deps.Namer.Name(ctx, req.Prompt)
	}
	if base != "" {
		log.Info("generated repository name", "name", base)
	} else {
		base = FallbackFolderName(req.User.Name, now, runID)
	}

	folder, dir, err := s.claim(base)
	if err != nil {
		return "", "", err
	}
	log.Info("created project directory", "path", dir)

	content := fmt.Sprintf(`# Copilot Prompt

This file contains the original prompt given to GitHub Copilot to create this project.

## Prompt

%s

---
*Generated on %s*
`, req.Prompt, now.Format("2006-01-02 15:04:05"))
	if err := os.WriteFile(filepath.Join(dir, s.config.PromptFile), []byte(content), 0o644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", s.config.PromptFile, err)
	}
	log.Info("wrote prompt file", "file", s.config.PromptFile)
	return dir, folder, nil
}

// claim creates a directory named base, or base-2, base-3 ... when taken.
func (s *ProjectService) claim(base string) (string, string, error) {
	name := base
	for i := 2; i <= maxNameAttempts+1; i++ {
		dir := filepath.Join(s.config.Dir, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return name, dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", "", fmt.Errorf("create %s: %w", dir, err)
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return "", "", fmt.Errorf("no free directory name for %q", base)
}

// publish pushes a successful run to the git provider and sets the GitHub
// status line on res.
func (s *ProjectService) publish(ctx context.Context, log *slog.Logger, res *BuildResult, prompt string) {
	if !s.config.GitHubEnabled {
		return
	}
	if !res.Outcome.Success() {
		log.Info("github skipped", "status", string(res.Outcome.Status()))
		res.GitHubStatus = githubSkipped
		return
	}
	if s.deps.Publisher == nil || !s.deps.Publisher.Configured() {
		log.Warn("github enabled but not configured")
		res.GitHubStatus = githubNotConfigured
		return
	}

	log.Info("creating github repository", "name", res.FolderName)
	if s.deps.Namer != nil {
		res.Description = s.deps.Namer.Description(ctx, prompt)
	} else {
		res.Description = SanitizeDescription(prompt)
	}

	url, err := s.deps.Publisher.Publish(ctx, res.WorkDir, res.FolderName, res.Description, s.config.PrivateRepos)
	if err != nil {
		log.Warn("github publish failed", "error", err)
		res.GitHubStatus = "**🐙 GitHub:** ⚠️ " + status.TruncateHead(err.Error(), 200)
		return
	}
	log.Info("github repository created", "url", url)
	res.GitHubURL = url
	res.GitHubStatus = fmt.Sprintf("**🐙 GitHub:** [View Repository](%s)", url)
	s.emit(ctx, domain.EventRunPublished, res.RunID, map[string]string{"url": url})
}

func (s *ProjectService) sendLog(ctx context.Context, log *slog.Logger, req ProjectRequest, c *logger.Collector, res *BuildResult, buf *process.Buffer) {
	md := c.Markdown(logger.RunSummary{
		Prompt: req.Prompt,
		Model:  req.Model,
		Status: statusText(res.Outcome),
		Files:  res.Files,
		Dirs:   res.Dirs,
		Output: buf.String(),
	})
	_, err := req.Reply.Upload(ctx, "", domain.Attachment{
		Name:        res.FolderName + "_log.md",
		ContentType: "text/markdown",
		Data:        []byte(md),
	})
	if err != nil {
		log.Error("failed to send log file", "error", err)
	}
}

func (s *ProjectService) cleanup(log *slog.Logger, res *BuildResult) {
	if err := removeAll(res.WorkDir); err != nil {
		log.Warn("failed to clean up project directory", "path", res.WorkDir, "error", err)
		return
	}
	res.CleanedUp = true
	log.Info("cleaned up local project directory", "path", res.WorkDir)
}

func (s *ProjectService) emit(ctx context.Context, typ domain.EventType, runID string, payload any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(ctx, domain.NewEvent(typ, runID, payload))
}

// removeAll deletes dir, making read-only entries (git object files) writable
// first when a plain removal fails.
func removeAll(dir string) error {
	if err := os.RemoveAll(dir); err == nil {
		return nil
	}
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil {
			_ = os.Chmod(path, 0o700)
		}
		return nil
	})
	return os.RemoveAll(dir)
}

// statusText is the plain status used in the log artifact.
func statusText(o domain.RunOutcome) string {
	switch o.Status() {
	case domain.RunStatusTimedOut:
		return "TIMED OUT"
	case domain.RunStatusError:
		return "ERROR"
	case domain.RunStatusSucceeded:
		return "COMPLETED SUCCESSFULLY"
	default:
		return "COMPLETED WITH EXIT CODE " + o.ExitCodeText()
	}
}

func failureNotice(title string, err error) string {
	return fmt.Sprintf("❌ **%s**: %s", title, status.TruncateHead(err.Error(), 1500))
}

func mentionOf(u domain.ChatUser) string {
	switch {
	case u.Mention != "":
		return u.Mention
	case u.DisplayName != "":
		return u.DisplayName
	default:
		return u.Name
	}
}
