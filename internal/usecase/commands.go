package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"forgebot/internal/domain"
	"forgebot/internal/usecase/status"
)

// DefaultMaxPromptLength bounds a build prompt in characters.
const DefaultMaxPromptLength = 100000

// modelPattern is the accepted shape of a user supplied model name.
var modelPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const (
	progressEvery        = 5
	descriptionPreview   = 200
	refinedPromptFile    = "refined_prompt.md"
	invalidModelText     = "Invalid model name format. Use only letters, numbers, hyphens, underscores, and dots."
	noSessionText        = "❌ No active prompt session found.\nUse `/startproject` to begin a new session."
	emptySessionText     = "❌ No messages in your session yet.\nSend some messages describing your project first!"
	nothingToCancelText  = "ℹ️ No active session to cancel."
	refinedReadyText     = "📋 **Refined Prompt Ready** - See attached file. Type `/buildproject` to create your project."
	sessionContinueText  = "*Continue the conversation by sending messages in this channel. Type `/buildproject` when ready, or `/cancelprompt` to abort.*"
	sessionCollectedText = "📝 **Prompt Session Started!**\n\n" +
		"Your description has been saved. Send more messages to add to your prompt.\n\n" +
		"⚠️ *AI refinement not configured - messages will be collected without AI assistance.*\n\n" +
		"Type `/buildproject` when ready, or `/cancelprompt` to abort."
)

// CommandConfig holds the chat command settings.
type CommandConfig struct {
	MaxPromptLength  int // default: DefaultMaxPromptLength
	MaxMessageLength int // platform cap per message, default: 2000
}

// CommandDeps holds injected dependencies for Commands.
type CommandDeps struct {
	Sessions *SessionManager
	Refiner  *Refiner
	Projects *ProjectService
	Logger   *slog.Logger
}

// Commands implements the chat surface: the project slash commands and the
// listener that feeds channel messages into prompt sessions.
type Commands struct {
	config CommandConfig
	deps   CommandDeps
	locks  *ConversationLocks
}

// NewCommands creates a Commands.
func NewCommands(cfg CommandConfig, deps CommandDeps) *Commands {
	if cfg.MaxPromptLength <= 0 {
		cfg.MaxPromptLength = DefaultMaxPromptLength
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 2000
	}
	return &Commands{config: cfg, deps: deps, locks: NewConversationLocks()}
}

// CreateProject handles /createproject: a one-shot build from a single prompt.
func (c *Commands) CreateProject(ctx context.Context, inv domain.Invocation, prompt, model string) error {
	prompt = strings.TrimSpace(prompt)
	model = strings.TrimSpace(model)
	switch {
	case prompt == "":
		return c.reject(ctx, inv, "Invalid Input", "Prompt cannot be empty.")
	case utf8.RuneCountInString(prompt) > c.config.MaxPromptLength:
		return c.reject(ctx, inv, "Invalid Input", fmt.Sprintf("Prompt is too long (max %s characters).", thousands(c.config.MaxPromptLength)))
	case !ValidModel(model):
		return c.reject(ctx, inv, "Invalid Input", invalidModelText)
	}
	if err := inv.Reply.Defer(ctx); err != nil {
		return fmt.Errorf("defer reply: %w", err)
	}

	c.deps.Logger.Info("createproject", "user", inv.User.Name, "channel_id", inv.ChannelID, "model", model)
	_, err := c.deps.Projects.Create(ctx, ProjectRequest{Prompt: prompt, Model: model, User: inv.User, ChannelID: inv.ChannelID, Reply: inv.Reply})
	return err
}

// StartProject handles /startproject. An existing session for the same user
// and channel is replaced.
func (c *Commands) StartProject(ctx context.Context, inv domain.Invocation, description string) error {
	if err := inv.Reply.Defer(ctx); err != nil {
		return fmt.Errorf("defer reply: %w", err)
	}
	unlock, err := c.locks.Lock(ctx, inv.User.ID, inv.ChannelID)
	if err != nil {
		return err
	}
	defer unlock()
	session := c.deps.Sessions.Start(inv.User.ID, inv.ChannelID)
	description = strings.TrimSpace(description)

	if description == "" {
		id, err := inv.Reply.Notify(ctx, c.introText())
		session.TrackMessage(id)
		return err
	}

	session.AddMessage(description)
	session.AddTurn(domain.RoleUser, description)

	if !c.deps.Refiner.Configured() {
		id, err := inv.Reply.Notify(ctx, sessionCollectedText)
		session.TrackMessage(id)
		return err
	}

	reply, refined := c.deps.Refiner.Respond(ctx, nil, description)
	session.AddTurn(domain.RoleAssistant, reply)
	if refined != "" {
		session.SetRefinedPrompt(refined)
	}

	header := fmt.Sprintf("📝 **Prompt Session Started!**\n\nYour description: *%s*\n\n🤖 **AI Response:**",
		status.TruncateHead(description, descriptionPreview))
	id, err := inv.Reply.Notify(ctx, header)
	session.TrackMessage(id)
	if err != nil {
		return err
	}

	chunks := SplitMessage(reply, c.config.MaxMessageLength)
	last := len(chunks) - 1
	if withFooter := chunks[last] + "\n\n" + sessionContinueText; utf8.RuneCountInString(withFooter) <= c.config.MaxMessageLength {
		chunks[last] = withFooter
	} else {
		chunks = append(chunks, sessionContinueText)
	}
	return c.send(ctx, inv.Reply, session, chunks)
}

// BuildProject handles /buildproject: it closes the session, removes the
// conversation from the channel and runs the build.
func (c *Commands) BuildProject(ctx context.Context, inv domain.Invocation, model string) error {
	req, err := c.closeSession(ctx, inv, strings.TrimSpace(model))
	if err != nil || req == nil {
		return err
	}
	_, err = c.deps.Projects.Create(ctx, *req)
	if err == nil {
		c.deps.Logger.Info("buildproject completed", "user", inv.User.Name)
	}
	return err
}

// closeSession turns the caller's session into a build request and ends it.
// A nil request means the user has already been told why nothing runs.
func (c *Commands) closeSession(ctx context.Context, inv domain.Invocation, model string) (*ProjectRequest, error) {
	unlock, err := c.locks.Lock(ctx, inv.User.ID, inv.ChannelID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, ok := c.deps.Sessions.Get(inv.User.ID, inv.ChannelID)
	switch {
	case !ok:
		return nil, inv.Reply.Whisper(ctx, noSessionText)
	case session.MessageCount() == 0:
		return nil, inv.Reply.Whisper(ctx, emptySessionText)
	case !ValidModel(model):
		return nil, c.reject(ctx, inv, "Invalid Input", invalidModelText)
	}
	if err := inv.Reply.Defer(ctx); err != nil {
		return nil, fmt.Errorf("defer reply: %w", err)
	}

	prompt := session.Refined()
	switch {
	case prompt != "":
		c.deps.Logger.Info("using refined prompt from session", "session_id", session.ID)
	case c.deps.Refiner.Configured() && len(session.History()) > 0:
		prompt = c.deps.Refiner.Finalize(ctx, session.History())
	}
	if prompt == "" {
		prompt = session.FullUserInput()
	}

	if n := utf8.RuneCountInString(prompt); n > c.config.MaxPromptLength {
		_, err := inv.Reply.Notify(ctx, errorText("Prompt Too Long", fmt.Sprintf(
			"Final prompt is %s characters (max %s).\nTry to be more concise or split into multiple projects.",
			thousands(n), thousands(c.config.MaxPromptLength))))
		return nil, err
	}

	session.SetRefinedPrompt(prompt)
	if model == "" {
		model = session.SelectedModel()
	}
	session.SetModel(model)
	tracked := session.TrackedMessages()
	c.deps.Sessions.End(inv.User.ID, inv.ChannelID)

	if len(tracked) > 0 {
		if err := inv.Reply.DeleteMessages(ctx, tracked); err != nil {
			c.deps.Logger.Warn("failed to clean up session messages", "session_id", session.ID, "error", err)
		}
	}

	c.deps.Logger.Info("session closed for build", "user", inv.User.Name, "session_id", session.ID,
		"messages", session.MessageCount(), "chars", utf8.RuneCountInString(prompt))
	return &ProjectRequest{Prompt: prompt, Model: model, User: inv.User, ChannelID: inv.ChannelID, Reply: inv.Reply}, nil
}

// CancelPrompt handles /cancelprompt.
func (c *Commands) CancelPrompt(ctx context.Context, inv domain.Invocation) error {
	unlock, err := c.locks.Lock(ctx, inv.User.ID, inv.ChannelID)
	if err != nil {
		return err
	}
	defer unlock()

	session, ok := c.deps.Sessions.End(inv.User.ID, inv.ChannelID)
	if !ok {
		return inv.Reply.Whisper(ctx, nothingToCancelText)
	}
	_, err = inv.Reply.Notify(ctx, fmt.Sprintf(
		"🗑️ **Session Cancelled**\n\nDiscarded %d messages (%s words).\n\nUse `/startproject` to begin a new session.",
		session.MessageCount(), thousands(session.WordCount())))
	return err
}

// HandleMessage feeds a channel message into the author's prompt session, if
// they have one. reply answers in the message's channel.
func (c *Commands) HandleMessage(ctx context.Context, msg domain.InboundMessage, reply domain.Replier) error {
	if msg.FromBot || msg.GuildID == "" {
		return nil
	}
	session, ok := c.deps.Sessions.Get(msg.Author.ID, msg.ChannelID)
	if !ok || strings.HasPrefix(msg.Content, "/") {
		return nil
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil
	}

	unlock, err := c.locks.Lock(ctx, msg.Author.ID, msg.ChannelID)
	if err != nil {
		return err
	}
	defer unlock()
	// The session may have been built or cancelled while waiting.
	if current, ok := c.deps.Sessions.Get(msg.Author.ID, msg.ChannelID); !ok || current != session {
		return nil
	}

	history := session.History()
	session.AddMessage(content)
	session.TrackMessage(msg.ID)
	session.AddTurn(domain.RoleUser, content)
	c.deps.Logger.Info("added message to session", "user", msg.Author.Name, "session_id", session.ID,
		"chars", utf8.RuneCountInString(content), "words", len(strings.Fields(content)))

	if !c.deps.Refiner.Configured() {
		if err := reply.React(ctx, msg.ID, "✅"); err != nil {
			c.deps.Logger.Warn("failed to acknowledge message", "message_id", msg.ID, "error", err)
		}
		if n := session.MessageCount(); n%progressEvery == 0 {
			id, err := reply.Notify(ctx, fmt.Sprintf(
				"📊 *Session progress: %d messages, %s words. Type `/buildproject` when ready.*",
				n, thousands(session.WordCount())))
			session.TrackMessage(id)
			return err
		}
		return nil
	}

	reply.Typing(ctx)
	answer, refined := c.deps.Refiner.Respond(ctx, history, content)
	session.AddTurn(domain.RoleAssistant, answer)

	if refined != "" {
		session.SetRefinedPrompt(refined)
		id, err := reply.Upload(ctx, refinedReadyText, domain.Attachment{
			Name:        refinedPromptFile,
			ContentType: "text/markdown",
			Data:        []byte("# Refined Project Prompt\n\n" + refined),
		})
		session.TrackMessage(id)
		return err
	}
	return c.send(ctx, reply, session, SplitMessage("🤖 "+answer, c.config.MaxMessageLength))
}

func (c *Commands) send(ctx context.Context, reply domain.Replier, session *PromptSession, chunks []string) error {
	for _, chunk := range chunks {
		id, err := reply.Notify(ctx, chunk)
		if err != nil {
			return err
		}
		session.TrackMessage(id)
	}
	return nil
}

func (c *Commands) reject(ctx context.Context, inv domain.Invocation, title, detail string) error {
	return inv.Reply.Whisper(ctx, errorText(title, detail))
}

func (c *Commands) introText() string {
	return "📝 **Prompt Session Started!**\n\n" +
		"Describe your project in this channel. I'll ask clarifying questions to help refine your requirements.\n\n" +
		"You can send as many messages as you need - there's no character limit!\n\n" +
		"Commands:\n" +
		"• `/buildproject` - Create your project when ready\n" +
		"• `/buildproject model:claude-sonnet` - Specify a model\n" +
		"• `/cancelprompt` - Cancel and start over\n\n" +
		fmt.Sprintf("*Session expires after %d minutes of inactivity.*", int(c.deps.Sessions.Timeout().Minutes()))
}

// ValidModel reports whether model is empty or a well-formed model name.
func ValidModel(model string) bool {
	return model == "" || modelPattern.MatchString(model)
}

// SplitMessage breaks text into chunks of at most max characters, preferring
// line boundaries. It always returns at least one chunk.
func SplitMessage(text string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}
	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if curLen+n <= max {
			cur.WriteString(line)
			curLen += n
			continue
		}
		flush()
		for n > max {
			r := []rune(line)
			chunks = append(chunks, string(r[:max]))
			line = string(r[max:])
			n -= max
		}
		cur.WriteString(line)
		curLen = n
	}
	flush()
	for i, ch := range chunks {
		if trimmed := strings.TrimRight(ch, "\n"); trimmed != "" {
			chunks[i] = trimmed
		}
	}
	return chunks
}

func errorText(title, detail string) string {
	return fmt.Sprintf("❌ **%s**\n\n%s", title, detail)
}

// thousands formats n with comma separators.
func thousands(n int) string {
	if n < 0 {
		return "-" + thousands(-n)
	}
	s := fmt.Sprint(n)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
