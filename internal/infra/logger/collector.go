package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const entryTimeFormat = "2006-01-02 15:04:05"

// Collector is an slog.Handler that keeps a copy of every record of one run
// while forwarding it to the process handler. The kept lines become the
// execution log of the run's markdown artifact.
type Collector struct {
	next   slog.Handler
	runID  string
	store  *entryStore
	attrs  []slog.Attr
	groups []string
}

type entryStore struct {
	mu      sync.Mutex
	lines   []string
	started time.Time
}

// NewCollector wraps next. Records are tagged with runID in the kept lines.
func NewCollector(next slog.Handler, runID string) *Collector {
	return &Collector{
		next:  next,
		runID: runID,
		store: &entryStore{started: time.Now()},
	}
}

// Logger returns a logger that writes through the collector.
func (c *Collector) Logger() *slog.Logger {
	return slog.New(c).With("run_id", c.runID)
}

// Enabled keeps debug records out of the artifact unless the process
// handler wants them; info and above are always kept.
func (c *Collector) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || c.next.Enabled(ctx, level)
}

// Handle records r and forwards it.
func (c *Collector) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		c.store.add(c.format(r))
	}
	if !c.next.Enabled(ctx, r.Level) {
		return nil
	}
	return c.next.Handle(ctx, r)
}

// WithAttrs returns a collector sharing the same kept lines.
func (c *Collector) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *c
	clone.next = c.next.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr{}, c.attrs...), c.qualify(attrs)...)
	return &clone
}

// WithGroup returns a collector sharing the same kept lines.
func (c *Collector) WithGroup(name string) slog.Handler {
	if name == "" {
		return c
	}
	clone := *c
	clone.next = c.next.WithGroup(name)
	clone.groups = append(append([]string{}, c.groups...), name)
	return &clone
}

func (c *Collector) qualify(attrs []slog.Attr) []slog.Attr {
	if len(c.groups) == 0 {
		return attrs
	}
	prefix := strings.Join(c.groups, ".") + "."
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}

func (c *Collector) format(r slog.Record) string {
	var sb strings.Builder
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&sb, "%s | %-8s | [%s] %s", ts.Format(entryTimeFormat), r.Level.String(), c.runID, r.Message)

	writeAttr := func(a slog.Attr) {
		if a.Key == "run_id" || a.Equal(slog.Attr{}) {
			return
		}
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value.Resolve())
	}
	for _, a := range c.attrs {
		writeAttr(a)
	}
	var own []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		own = append(own, a)
		return true
	})
	for _, a := range c.qualify(own) {
		writeAttr(a)
	}
	return sb.String()
}

func (s *entryStore) add(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

// Lines returns a copy of the kept lines.
func (c *Collector) Lines() []string {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	out := make([]string, len(c.store.lines))
	copy(out, c.store.lines)
	return out
}

// RunSummary is the header of the markdown log artifact.
type RunSummary struct {
	Prompt string
	Model  string
	Status string
	Files  int
	Dirs   int
	Output string // CLI output; omitted when empty
}

// Markdown renders the run log artifact.
func (c *Collector) Markdown(s RunSummary) string {
	elapsed := time.Since(c.store.started)
	minutes := int(elapsed / time.Minute)
	seconds := int((elapsed % time.Minute) / time.Second)
	model := s.Model
	if model == "" {
		model = "default"
	}

	var sb strings.Builder
	sb.WriteString("# Project Creation Log\n\n")
	sb.WriteString("## Summary\n")
	fmt.Fprintf(&sb, "- **Run ID:** `%s`\n", c.runID)
	fmt.Fprintf(&sb, "- **Started:** %s\n", c.store.started.Format(entryTimeFormat))
	fmt.Fprintf(&sb, "- **Duration:** %dm %ds\n", minutes, seconds)
	fmt.Fprintf(&sb, "- **Status:** %s\n", s.Status)
	fmt.Fprintf(&sb, "- **Model:** %s\n", model)
	fmt.Fprintf(&sb, "- **Files Created:** %d\n", s.Files)
	fmt.Fprintf(&sb, "- **Directories Created:** %d\n\n", s.Dirs)
	sb.WriteString("## Prompt\n```\n")
	sb.WriteString(s.Prompt)
	sb.WriteString("\n```\n\n## Execution Log\n```\n")
	sb.WriteString(strings.Join(c.Lines(), "\n"))
	sb.WriteString("\n```\n")
	if s.Output != "" {
		sb.WriteString("\n## Copilot Output\n```\n")
		sb.WriteString(strings.TrimRight(s.Output, "\n"))
		sb.WriteString("\n```\n")
	}
	return sb.String()
}
