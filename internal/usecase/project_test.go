package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgebot/internal/domain"
	"forgebot/internal/usecase/process"
	"forgebot/internal/usecase/status"
)

type fakeLive struct {
	mu    sync.Mutex
	edits []string
}

func (m *fakeLive) ID() string { return "msg-1" }

func (m *fakeLive) Edit(_ context.Context, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, content)
	return nil
}

func (m *fakeLive) Refetch(context.Context) (domain.LiveMessage, error) { return m, nil }

func (m *fakeLive) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		return ""
	}
	return m.edits[len(m.edits)-1]
}

type fakeReplier struct {
	mu        sync.Mutex
	live      *fakeLive
	postErr   error
	deleteErr error
	deferred  int
	posted    []string
	notices   []string
	whispers  []string
	uploads   []domain.Attachment
	reactions []string
	deleted   []string
	typings   int
	nextID    int
}

func newFakeReplier() *fakeReplier { return &fakeReplier{live: &fakeLive{}} }

func (r *fakeReplier) id() string {
	r.nextID++
	return fmt.Sprintf("bot-%d", r.nextID)
}

func (r *fakeReplier) Defer(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferred++
	return nil
}

func (r *fakeReplier) Post(_ context.Context, content string) (domain.LiveMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.postErr != nil {
		return nil, r.postErr
	}
	r.posted = append(r.posted, content)
	return r.live, nil
}

func (r *fakeReplier) Notify(_ context.Context, content string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, content)
	return r.id(), nil
}

func (r *fakeReplier) Whisper(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.whispers = append(r.whispers, content)
	return nil
}

func (r *fakeReplier) Upload(_ context.Context, _ string, file domain.Attachment) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads = append(r.uploads, file)
	return r.id(), nil
}

func (r *fakeReplier) React(_ context.Context, messageID, emoji string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reactions = append(r.reactions, messageID+" "+emoji)
	return nil
}

func (r *fakeReplier) DeleteMessages(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, ids...)
	return r.deleteErr
}

func (r *fakeReplier) Typing(context.Context) {
	r.mu.Lock()
	r.typings++
	r.mu.Unlock()
}

type fakePublisher struct {
	configured bool
	url        string
	err        error
	calls      []string
}

func (p *fakePublisher) Publish(_ context.Context, dir, name, description string, private bool) (string, error) {
	p.calls = append(p.calls, name+"|"+description)
	if p.err != nil {
		return "", p.err
	}
	// Simulate git's read-only object files.
	_ = os.WriteFile(filepath.Join(dir, "packed"), []byte("x"), 0o444)
	return p.url, nil
}

func (p *fakePublisher) Configured() bool { return p.configured }

type projectFixture struct {
	cfg  ProjectConfig
	deps ProjectDeps
	bus  *recordingBus
}

// newProjectFixture wires a service around "sh -c script". Without a model
// the prompt arrives as "$1".
func newProjectFixture(t *testing.T, script string) *projectFixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	log := discardLogger()
	bus := &recordingBus{}
	reg := process.NewRegistry(time.Second, log)
	mon := process.NewMonitor(process.MonitorConfig{
		Executable: "sh",
		Flags:      []string{"-c", script},
		Timeout:    10 * time.Second,
	}, reg, bus, log)
	tree := status.NewTreeRenderer(status.TreeConfig{})
	return &projectFixture{
		cfg: ProjectConfig{Dir: filepath.Join(t.TempDir(), "projects")},
		deps: ProjectDeps{
			Monitor:  mon,
			Composer: status.NewComposer(status.Config{Interval: 20 * time.Millisecond, Timeout: 10 * time.Second}, tree, log),
			Tree:     tree,
			Namer:    NewNamer(nil, NamerConfig{}, log),
			Bus:      bus,
			Logger:   log,
		},
		bus: bus,
	}
}

func (f *projectFixture) service() *ProjectService {
	return NewProjectService(f.cfg, f.deps)
}

var fallbackName = regexp.MustCompile(`^jane_\d{8}_\d{6}_[0-9a-z]{8}$`)

func TestProjectCreateSuccess(t *testing.T) {
	f := newProjectFixture(t, `echo "building: $1"; echo 'package main' > main.go; mkdir -p cmd`)
	f.cfg.Template = "Use Go."
	reply := newFakeReplier()

	res, err := f.service().Create(context.Background(), ProjectRequest{
		Prompt:    "Build a todo app",
		User:      domain.ChatUser{ID: "u1", Name: "jane", Mention: "<@u1>"},
		ChannelID: "c1",
		Reply:     reply,
	})
	require.NoError(t, err)

	assert.True(t, res.Outcome.Success())
	assert.Regexp(t, fallbackName, res.FolderName)
	assert.Equal(t, filepath.Join(f.cfg.Dir, res.FolderName), res.WorkDir)
	assert.Equal(t, 2, res.Files, "main.go and the prompt file")
	assert.Empty(t, res.GitHubStatus, "github disabled")

	prompt, err := os.ReadFile(filepath.Join(res.WorkDir, "COPILOT-PROMPT.md"))
	require.NoError(t, err)
	assert.Contains(t, string(prompt), "## Prompt\n\nBuild a todo app\n")

	require.Len(t, reply.posted, 1)
	assert.Contains(t, reply.posted[0], "🔄 **IN PROGRESS**")
	final := reply.live.last()
	assert.Contains(t, final, "✅ **COMPLETED SUCCESSFULLY**")
	assert.Contains(t, final, "**Project Name:** "+res.FolderName)
	assert.Contains(t, final, "<@u1>")

	require.Len(t, reply.uploads, 1)
	up := reply.uploads[0]
	assert.Equal(t, res.FolderName+"_log.md", up.Name)
	assert.Contains(t, string(up.Data), "- **Status:** COMPLETED SUCCESSFULLY")
	assert.Contains(t, string(up.Data), "building: Use Go.\n\nBuild a todo app")
	assert.Contains(t, string(up.Data), "project creation started user=jane channel_id=c1")

	started, ok := f.bus.first(domain.EventRunStarted)
	require.True(t, ok)
	assert.Equal(t, res.RunID, started.RunID)
	assert.JSONEq(t, `{"folder":"`+res.FolderName+`","user_id":"u1","channel_id":"c1"}`, string(started.Payload))
	assert.Contains(t, f.bus.types(), domain.EventRunCompleted)
}

func TestProjectCreateNonZeroExitSkipsPublish(t *testing.T) {
	f := newProjectFixture(t, `echo failing; exit 3`)
	pub := &fakePublisher{configured: true, url: "https://github.com/o/r"}
	f.cfg.GitHubEnabled = true
	f.deps.Publisher = pub
	reply := newFakeReplier()

	res, err := f.service().Create(context.Background(), ProjectRequest{Prompt: "x", User: domain.ChatUser{Name: "jane"}, Reply: reply})
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusExitCode, res.Outcome.Status())
	assert.Equal(t, githubSkipped, res.GitHubStatus)
	assert.Empty(t, pub.calls)
	final := reply.live.last()
	assert.Contains(t, final, "⚠️ **COMPLETED WITH EXIT CODE 3**")
	assert.Contains(t, final, "failing", "failed runs keep the output section")
	assert.Contains(t, final, githubSkipped)
	require.Len(t, reply.uploads, 1)
	assert.Contains(t, string(reply.uploads[0].Data), "COMPLETED WITH EXIT CODE 3")
}

func TestProjectCreatePublishesAndCleansUp(t *testing.T) {
	f := newProjectFixture(t, `echo ok > README.md`)
	pub := &fakePublisher{configured: true, url: "https://github.com/octo/todo-app"}
	f.cfg.GitHubEnabled = true
	f.cfg.CleanupAfterPush = true
	f.deps.Publisher = pub
	f.deps.Namer = NewNamer(&scriptedCompleter{replies: []string{"Todo App", "A tiny todo app."}}, NamerConfig{}, discardLogger())
	reply := newFakeReplier()

	res, err := f.service().Create(context.Background(), ProjectRequest{Prompt: "Build a todo app", User: domain.ChatUser{Name: "jane"}, Reply: reply})
	require.NoError(t, err)

	assert.Equal(t, "todo-app", res.FolderName)
	assert.Equal(t, []string{"todo-app|A tiny todo app."}, pub.calls)
	assert.True(t, res.Published())
	assert.True(t, res.CleanedUp)
	assert.NoDirExists(t, res.WorkDir)
	final := reply.live.last()
	assert.Contains(t, final, "[View Repository](https://github.com/octo/todo-app)")
	assert.Contains(t, final, "**Description:** A tiny todo app.")
	assert.Contains(t, f.bus.types(), domain.EventRunPublished)
}

func TestProjectCreatePublishFailure(t *testing.T) {
	f := newProjectFixture(t, `true`)
	f.cfg.GitHubEnabled = true
	f.cfg.CleanupAfterPush = true
	f.deps.Publisher = &fakePublisher{configured: true, err: errors.New("name already exists on this account")}

	res, err := f.service().Create(context.Background(), ProjectRequest{Prompt: "Build it", User: domain.ChatUser{Name: "jane"}, Reply: newFakeReplier()})
	require.NoError(t, err)

	assert.Equal(t, "**🐙 GitHub:** ⚠️ name already exists on this account", res.GitHubStatus)
	assert.False(t, res.Published())
	assert.DirExists(t, res.WorkDir, "workspace kept when publish failed")
	assert.Equal(t, "Build it", res.Description, "falls back to the sanitised prompt")
}

func TestProjectCreateGitHubNotConfigured(t *testing.T) {
	f := newProjectFixture(t, `true`)
	f.cfg.GitHubEnabled = true
	f.deps.Publisher = &fakePublisher{}

	res, err := f.service().Create(context.Background(), ProjectRequest{Prompt: "x", User: domain.ChatUser{Name: "jane"}, Reply: newFakeReplier()})
	require.NoError(t, err)
	assert.Equal(t, githubNotConfigured, res.GitHubStatus)
}

func TestProjectCreateLaunchFailure(t *testing.T) {
	f := newProjectFixture(t, `true`)
	log := discardLogger()
	f.deps.Monitor = process.NewMonitor(process.MonitorConfig{Executable: "forgebot-no-such-cli"}, process.NewRegistry(time.Second, log), nil, log)
	reply := newFakeReplier()

	res, err := f.service().Create(context.Background(), ProjectRequest{Prompt: "x", User: domain.ChatUser{Name: "jane"}, Reply: reply})
	require.NoError(t, err)

	assert.True(t, res.Outcome.ErrorOccurred)
	assert.Contains(t, reply.live.last(), "❌ **ERROR**: failed to launch forgebot-no-such-cli")
	require.Len(t, reply.uploads, 1, "the log artifact is sent for every outcome")
	assert.Contains(t, string(reply.uploads[0].Data), "- **Status:** ERROR")
}

func TestProjectCreatePostFailure(t *testing.T) {
	f := newProjectFixture(t, `true`)
	reply := newFakeReplier()
	reply.postErr = errors.New("missing access")

	res, err := f.service().Create(context.Background(), ProjectRequest{Prompt: "x", User: domain.ChatUser{Name: "jane"}, Reply: reply})
	require.Error(t, err)
	assert.True(t, res.Outcome.ErrorOccurred)
	require.Len(t, reply.notices, 1)
	assert.Contains(t, reply.notices[0], "Failed to send message")
	assert.Empty(t, reply.uploads)
}

func TestProjectCreateWorkspaceFailure(t *testing.T) {
	f := newProjectFixture(t, `true`)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	f.cfg.Dir = blocker
	reply := newFakeReplier()

	res, err := f.service().Create(context.Background(), ProjectRequest{Prompt: "x", User: domain.ChatUser{Name: "jane"}, Reply: reply})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrWorkspace))
	assert.True(t, res.Outcome.ErrorOccurred)
	assert.Empty(t, reply.posted)
	require.Len(t, reply.notices, 1)
	assert.Contains(t, reply.notices[0], "Failed to create project directory")
}

func TestProjectCreateUniqueFolder(t *testing.T) {
	f := newProjectFixture(t, `true`)
	f.deps.Namer = NewNamer(&scriptedCompleter{replies: []string{"todo-app", "todo-app"}}, NamerConfig{}, discardLogger())
	svc := f.service()

	first, err := svc.Create(context.Background(), ProjectRequest{Prompt: "x", User: domain.ChatUser{Name: "jane"}, Reply: newFakeReplier()})
	require.NoError(t, err)
	second, err := svc.Create(context.Background(), ProjectRequest{Prompt: "x", User: domain.ChatUser{Name: "jane"}, Reply: newFakeReplier()})
	require.NoError(t, err)

	assert.Equal(t, "todo-app", first.FolderName)
	assert.Equal(t, "todo-app-2", second.FolderName)
}

func TestProjectCreateWaitsForSlot(t *testing.T) {
	f := newProjectFixture(t, `true`)
	f.cfg.MaxParallelRuns = 1
	svc := f.service()
	require.True(t, svc.sem.TryAcquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	reply := newFakeReplier()
	_, err := svc.Create(ctx, ProjectRequest{Prompt: "x", Reply: reply})

	require.Error(t, err)
	assert.Equal(t, domain.CodeRunLimit, domain.ErrorCodeOf(err))
	require.Len(t, reply.notices, 1)
	assert.True(t, strings.HasPrefix(reply.notices[0], "⏳"))
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		o    domain.RunOutcome
		want string
	}{
		{domain.RunOutcome{TimedOut: true}, "TIMED OUT"},
		{domain.RunOutcome{ErrorOccurred: true}, "ERROR"},
		{domain.RunOutcome{Exited: true}, "COMPLETED SUCCESSFULLY"},
		{domain.RunOutcome{Exited: true, ExitCode: 2}, "COMPLETED WITH EXIT CODE 2"},
		{domain.RunOutcome{}, "COMPLETED WITH EXIT CODE unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusText(tt.o))
	}
}

func TestMentionOf(t *testing.T) {
	assert.Equal(t, "<@1>", mentionOf(domain.ChatUser{Name: "a", DisplayName: "A", Mention: "<@1>"}))
	assert.Equal(t, "A", mentionOf(domain.ChatUser{Name: "a", DisplayName: "A"}))
	assert.Equal(t, "a", mentionOf(domain.ChatUser{Name: "a"}))
}
