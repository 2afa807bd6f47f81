package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorTeesRecords(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}), "run-1")
	log := c.Logger()

	log.Info("workspace created", "dir", "/tmp/x")
	log.Warn("edit failed")

	lines := c.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "| INFO     | [run-1] workspace created dir=/tmp/x")
	assert.Contains(t, lines[1], "| WARN     | [run-1] edit failed")
	assert.NotContains(t, lines[0], "run_id=")

	// The process handler sees the records too, including the run id.
	assert.Contains(t, buf.String(), "workspace created")
	assert.Contains(t, buf.String(), "run_id=run-1")
}

func TestCollectorSkipsDebug(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}), "r")
	c.Logger().Debug("cli", "line", "compiling")

	assert.Empty(t, c.Lines())
	assert.Contains(t, buf.String(), "compiling")
}

func TestCollectorRespectsProcessLevel(t *testing.T) {
	var buf bytes.Buffer
	c := NewCollector(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}), "r")
	c.Logger().Info("kept only in the artifact")

	assert.Len(t, c.Lines(), 1)
	assert.Empty(t, buf.String())
}

func TestCollectorSharesLinesAcrossDerivedLoggers(t *testing.T) {
	c := NewCollector(slog.NewTextHandler(&bytes.Buffer{}, nil), "r")
	base := c.Logger()
	base.With("component", "monitor").Info("started")
	base.WithGroup("github").Info("pushed", "repo", "demo")

	lines := c.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "component=monitor")
	assert.Contains(t, lines[1], "github.repo=demo")
}

func TestCollectorMarkdown(t *testing.T) {
	c := NewCollector(slog.NewTextHandler(&bytes.Buffer{}, nil), "run-9")
	c.Logger().Info("done")

	md := c.Markdown(RunSummary{Prompt: "Build a todo app", Status: "✅ Success", Files: 3, Dirs: 1})
	assert.True(t, strings.HasPrefix(md, "# Project Creation Log\n"))
	assert.Contains(t, md, "- **Run ID:** `run-9`")
	assert.Contains(t, md, "- **Model:** default")
	assert.Contains(t, md, "- **Files Created:** 3")
	assert.Contains(t, md, "- **Directories Created:** 1")
	assert.Contains(t, md, "## Prompt\n```\nBuild a todo app\n```")
	assert.Contains(t, md, "[run-9] done")
	assert.NotContains(t, md, "## Copilot Output")

	md = c.Markdown(RunSummary{Prompt: "p", Status: "x", Output: "line one\nline two\n"})
	assert.Contains(t, md, "## Copilot Output\n```\nline one\nline two\n```\n")
}
