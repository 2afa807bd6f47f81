// Package status composes the live progress message of a code generation run
// and keeps it in sync with the workspace, the process output and the run state.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"forgebot/internal/domain"
	"forgebot/internal/usecase/process"
)

// Config holds configuration for the Composer.
type Config struct {
	Interval            time.Duration // time between ticks (default: 1s)
	MaxMessageLength    int           // platform limit on one message (default: 2000)
	MaxTreeLength       int           // default: 600
	MaxOutputLength     int           // default: 1000
	MaxSummaryLength    int           // default: 400
	PromptPreviewLength int           // default: 200
	Timeout             time.Duration // run budget shown in the timed-out label
}

// View is the run metadata rendered into the summary.
type View struct {
	ProjectName string
	WorkDir     string
	Prompt      string
	Model       string
	UserMention string
	Description string // shown on the final message only
	GitHubLine  string // empty hides the line
}

// Output is the text source for the output section.
type Output interface {
	String() string
}

// Composer renders and pushes the status message.
type Composer struct {
	config Config
	tree   *TreeRenderer
	logger *slog.Logger
}

// NewComposer creates a Composer.
func NewComposer(cfg Config, tree *TreeRenderer, logger *slog.Logger) *Composer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 2000
	}
	if cfg.MaxTreeLength <= 0 {
		cfg.MaxTreeLength = 600
	}
	if cfg.MaxOutputLength <= 0 {
		cfg.MaxOutputLength = 1000
	}
	if cfg.MaxSummaryLength <= 0 {
		cfg.MaxSummaryLength = 400
	}
	if cfg.PromptPreviewLength <= 0 {
		cfg.PromptPreviewLength = 200
	}
	if tree == nil {
		tree = NewTreeRenderer(TreeConfig{})
	}
	return &Composer{config: cfg, tree: tree, logger: logger}
}

// Display tracks the live message and the last body it accepted.
// It is owned by one goroutine at a time.
type Display struct {
	live  domain.LiveMessage
	last  string
	edits int
}

// NewDisplay wraps a freshly posted message. initial is the content it was
// posted with.
func NewDisplay(live domain.LiveMessage, initial string) *Display {
	return &Display{live: live, last: initial}
}

// Message returns the current handle, which may have been refetched.
func (d *Display) Message() domain.LiveMessage { return d.live }

// Edits returns the number of successful edits.
func (d *Display) Edits() int { return d.edits }

// Run refreshes the display every interval until ctx is done or the run
// finishes or fails. It never returns an error; failed edits are logged.
func (c *Composer) Run(ctx context.Context, d *Display, view View, out Output, state *domain.RunState) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		if state.Failed.Fired() || !state.IsRunning() || ctx.Err() != nil {
			return
		}
		c.Tick(ctx, d, view, out)

		select {
		case <-ctx.Done():
			return
		case <-state.Failed.Done():
			return
		case <-state.Finished.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick composes the in-progress body and pushes it when it changed.
// It reports whether an edit was attempted.
func (c *Composer) Tick(ctx context.Context, d *Display, view View, out Output) bool {
	body := c.Body(view, out.String(), c.Label(nil))
	if body == d.last {
		return false
	}
	if err := c.Push(ctx, d, body); err != nil {
		if ctx.Err() != nil {
			return true
		}
		if errors.Is(err, domain.ErrMessageNotFound) {
			c.logger.Warn("status message is gone", "message_id", d.live.ID(), "error", err)
		} else {
			c.logger.Debug("status update failed", "message_id", d.live.ID(), "error", err)
		}
	}
	return true
}

// Push edits the message with body. When the interaction token has expired
// the message is refetched by id and the edit retried once; the fresh handle
// replaces the old one.
func (c *Composer) Push(ctx context.Context, d *Display, body string) error {
	err := d.live.Edit(ctx, body)
	if errors.Is(err, domain.ErrTokenExpired) {
		c.logger.Info("interaction token expired, refetching message", "message_id", d.live.ID())
		fresh, ferr := d.live.Refetch(ctx)
		if ferr != nil {
			return fmt.Errorf("refetch message %s: %w", d.live.ID(), ferr)
		}
		d.live = fresh
		err = fresh.Edit(ctx, body)
	}
	if err != nil {
		return err
	}
	d.last = body
	d.edits++
	return nil
}

// Label renders the status line. A nil outcome means the run is in progress.
func (c *Composer) Label(o *domain.RunOutcome) string {
	if o == nil {
		return "🔄 **IN PROGRESS**"
	}
	switch o.Status() {
	case domain.RunStatusTimedOut:
		return "⏰ **TIMED OUT** - Process was killed after " + process.FormatBudget(c.config.Timeout)
	case domain.RunStatusError:
		msg := o.ErrorMessage
		if msg == "" {
			msg = "Unknown error"
		}
		return "❌ **ERROR**: " + TruncateHead(msg, 100)
	case domain.RunStatusSucceeded:
		return "✅ **COMPLETED SUCCESSFULLY**"
	default:
		return fmt.Sprintf("⚠️ **COMPLETED WITH EXIT CODE %s**", o.ExitCodeText())
	}
}

// Body assembles the three sections into one message no longer than the
// platform limit.
func (c *Composer) Body(view View, output, label string) string {
	files, dirs := c.tree.Count(view.WorkDir)
	return c.Compose(
		c.treeSection(view),
		c.outputSection(output),
		c.summarySection(view, label, files, dirs),
	)
}

// Compose caps each section and joins them. When the joined body is still
// over the limit the output section gives up the difference from its front.
func (c *Composer) Compose(tree, output, summary string) string {
	tree = TruncateHead(tree, c.config.MaxTreeLength)
	output = TruncateTail(output, c.config.MaxOutputLength)
	summary = TruncateHead(summary, c.config.MaxSummaryLength)

	body := layout(tree, output, summary)
	over := Length(body) - c.config.MaxMessageLength
	if over <= 0 {
		return body
	}
	keep := Length(output) - over
	if keep < len(Ellipsis) {
		keep = len(Ellipsis)
	}
	body = layout(tree, TruncateTail(output, keep), summary)
	return TruncateHead(body, c.config.MaxMessageLength)
}

func layout(tree, output, summary string) string {
	return "```\n" + tree + "\n```\n```\n" + output + "\n```\n" + summary
}

func (c *Composer) treeSection(view View) string {
	return fmt.Sprintf("📁 %s/\n%s", view.ProjectName, c.tree.Render(view.WorkDir))
}

func (c *Composer) outputSection(output string) string {
	if strings.TrimSpace(output) == "" {
		return "(waiting for output...)"
	}
	return strings.TrimRight(output, "\n")
}

func (c *Composer) summarySection(view View, label string, files, dirs int) string {
	var sb strings.Builder
	sb.WriteString("**📋 Summary**\n")
	fmt.Fprintf(&sb, "**Status:** %s\n", label)
	fmt.Fprintf(&sb, "**Prompt:** %s\n", c.preview(view.Prompt))
	fmt.Fprintf(&sb, "**Model:** %s\n", modelOrDefault(view.Model))
	fmt.Fprintf(&sb, "**Files:** %d | **Dirs:** %d\n", files, dirs)
	fmt.Fprintf(&sb, "**User:** %s", view.UserMention)
	if view.GitHubLine != "" {
		sb.WriteString("\n" + view.GitHubLine)
	}
	return sb.String()
}

// Final renders the terminal message. Successful runs get a compact summary;
// every other outcome keeps all three sections for debugging.
func (c *Composer) Final(view View, out Output, o domain.RunOutcome) string {
	label := c.Label(&o)
	if !o.Success() {
		return c.Body(view, out.String(), label)
	}

	files, dirs := c.tree.Count(view.WorkDir)
	desc := view.Description
	if desc == "" {
		desc = "(No description generated)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Status:** %s\n", label)
	fmt.Fprintf(&sb, "**Project Name:** %s\n", view.ProjectName)
	fmt.Fprintf(&sb, "**Description:** %s\n", desc)
	fmt.Fprintf(&sb, "**Model:** %s\n", modelOrDefault(view.Model))
	fmt.Fprintf(&sb, "**Files:** %d | **Dirs:** %d\n", files, dirs)
	fmt.Fprintf(&sb, "**User:** %s", view.UserMention)
	if view.GitHubLine != "" {
		sb.WriteString("\n" + view.GitHubLine)
	}
	return TruncateHead(sb.String(), c.config.MaxMessageLength)
}

func (c *Composer) preview(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	if Length(prompt) <= c.config.PromptPreviewLength {
		return prompt
	}
	return string([]rune(prompt)[:c.config.PromptPreviewLength]) + Ellipsis
}

func modelOrDefault(model string) string {
	if model == "" {
		return "default"
	}
	return model
}
