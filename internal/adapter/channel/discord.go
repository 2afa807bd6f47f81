package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"forgebot/internal/domain"
)

// CommandHandler receives the slash commands and channel messages the bot
// reacts to.
type CommandHandler interface {
	CreateProject(ctx context.Context, inv domain.Invocation, prompt, model string) error
	StartProject(ctx context.Context, inv domain.Invocation, description string) error
	BuildProject(ctx context.Context, inv domain.Invocation, model string) error
	CancelPrompt(ctx context.Context, inv domain.Invocation) error
	HandleMessage(ctx context.Context, msg domain.InboundMessage, reply domain.Replier) error
}

// restClient is the part of *discordgo.Session the bot calls after connecting.
type restClient interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageEdit(interaction *discordgo.Interaction, messageID string, data *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// DiscordOption configures the Discord bot.
type DiscordOption func(*Discord)

// WithDiscordGuild registers the slash commands in one guild instead of
// globally. Guild commands show up immediately.
func WithDiscordGuild(guildID string) DiscordOption {
	return func(d *Discord) { d.guildID = guildID }
}

// WithDiscordEditRate bounds message edits across all runs.
func WithDiscordEditRate(perSecond float64, burst int) DiscordOption {
	return func(d *Discord) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// Discord connects the command handler to a Discord bot account.
type Discord struct {
	token     string
	guildID   string
	handler   CommandHandler
	logger    *slog.Logger
	limiter   *rate.Limiter
	session   *discordgo.Session
	rest      restClient
	botUserID string
	ready     atomic.Bool

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
	inflight sync.WaitGroup
}

// NewDiscord creates the bot. Nothing connects until Start.
func NewDiscord(token string, handler CommandHandler, logger *slog.Logger, opts ...DiscordOption) *Discord {
	d := &Discord{
		token:   token,
		handler: handler,
		logger:  logger,
		limiter: rate.NewLimiter(5, 5),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Discord) Name() string { return "discord" }

// Start opens the gateway connection and registers the slash commands.
func (d *Discord) Start(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	d.mu.Lock()
	d.cancel()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	dg.AddHandler(d.onInteractionCreate)
	dg.AddHandler(d.onMessageCreate)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	d.session, d.rest = dg, dg
	d.botUserID = dg.State.User.ID

	cmds, err := dg.ApplicationCommandBulkOverwrite(dg.State.User.ID, d.guildID, applicationCommands())
	if err != nil {
		_ = dg.Close()
		return fmt.Errorf("discord: register commands: %w", err)
	}
	d.ready.Store(true)
	d.logger.Info("discord bot started", "user_id", d.botUserID, "user", dg.State.User.Username,
		"commands", len(cmds), "guild_id", d.guildID)
	return nil
}

// Stop stops accepting events, waits for in-flight handlers until ctx is done
// and closes the gateway connection.
func (d *Discord) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.cancel()
	d.mu.Unlock()
	d.ready.Store(false)

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("discord handlers still running at shutdown")
	}

	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

// Ready reports whether the gateway is open and commands are registered.
func (d *Discord) Ready() bool { return d.ready.Load() }

// begin registers a handler run; it returns false once the bot is stopping.
func (d *Discord) begin() (context.Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil, false
	}
	d.inflight.Add(1)
	return d.ctx, true
}

func (d *Discord) onInteractionCreate(_ *discordgo.Session, ic *discordgo.InteractionCreate) {
	d.handleInteraction(ic.Interaction)
}

func (d *Discord) handleInteraction(i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	ctx, ok := d.begin()
	if !ok {
		return
	}
	defer d.inflight.Done()

	data := i.ApplicationCommandData()
	opts := optionValues(data.Options)
	user := interactionUser(i)
	inv := domain.Invocation{User: user, ChannelID: i.ChannelID, Reply: d.interactionReplier(i)}
	d.logger.Info("slash command", "command", data.Name, "user", user.Name, "channel_id", i.ChannelID)

	var err error
	switch data.Name {
	case cmdCreateProject:
		err = d.handler.CreateProject(ctx, inv, opts[optPrompt], opts[optModel])
	case cmdStartProject:
		err = d.handler.StartProject(ctx, inv, opts[optDescription])
	case cmdBuildProject:
		err = d.handler.BuildProject(ctx, inv, opts[optModel])
	case cmdCancelPrompt:
		err = d.handler.CancelPrompt(ctx, inv)
	default:
		d.logger.Warn("unknown slash command", "command", data.Name)
		return
	}
	if err != nil {
		d.logger.Error("slash command failed", "command", data.Name, "user", user.Name, "error", err)
	}
}

func (d *Discord) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	d.handleMessage(m.Message)
}

func (d *Discord) handleMessage(m *discordgo.Message) {
	// Ignore own messages.
	if m == nil || m.Author == nil || m.Author.ID == d.botUserID {
		return
	}
	ctx, ok := d.begin()
	if !ok {
		return
	}
	defer d.inflight.Done()

	msg := domain.InboundMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Author:    chatUser(m.Author, m.Member),
		Content:   m.Content,
		FromBot:   m.Author.Bot,
	}
	if err := d.handler.HandleMessage(ctx, msg, d.channelReplier(m.ChannelID, m.ID, m.GuildID)); err != nil {
		d.logger.Error("discord message handler error", "error", err, "channel_id", m.ChannelID)
	}
}

// waitEdit blocks until the shared edit budget allows another edit.
func (d *Discord) waitEdit(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	return d.limiter.Wait(ctx)
}

func optionValues(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]string {
	out := make(map[string]string, len(opts))
	for _, o := range opts {
		if o.Type == discordgo.ApplicationCommandOptionString {
			out[o.Name] = o.StringValue()
		}
	}
	return out
}

func interactionUser(i *discordgo.Interaction) domain.ChatUser {
	if i.Member != nil && i.Member.User != nil {
		return chatUser(i.Member.User, i.Member)
	}
	if i.User != nil {
		return chatUser(i.User, nil)
	}
	return domain.ChatUser{}
}

func chatUser(u *discordgo.User, member *discordgo.Member) domain.ChatUser {
	display := u.GlobalName
	if member != nil && member.Nick != "" {
		display = member.Nick
	}
	return domain.ChatUser{
		ID:          u.ID,
		Name:        u.Username,
		DisplayName: display,
		Mention:     u.Mention(),
	}
}
