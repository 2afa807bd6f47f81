package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"

	"forgebot/internal/domain"
)

// Discord JSON error codes the bot reacts to.
const (
	codeUnknownMessage      = 10008
	codeInvalidWebhookToken = 50027
)

// translateError maps Discord REST failures onto domain errors.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) {
		if rerr.Message != nil {
			switch rerr.Message.Code {
			case codeInvalidWebhookToken:
				return domain.NewSubSystemError("discord", op, domain.ErrTokenExpired, rerr.Message.Message)
			case codeUnknownMessage:
				return domain.NewSubSystemError("discord", op, domain.ErrMessageNotFound, rerr.Message.Message)
			}
		}
		if rerr.Response != nil {
			switch rerr.Response.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return domain.NewSubSystemError("discord", op, domain.ErrAuthInvalid, err.Error())
			case http.StatusTooManyRequests:
				return domain.NewSubSystemError("discord", op, domain.ErrRateLimit, err.Error())
			}
		}
	}
	return fmt.Errorf("discord: %s: %w", op, err)
}

// channelOps are the reply operations that only need a channel.
type channelOps struct {
	d         *Discord
	channelID string
}

func (c channelOps) send(content string) (*discordgo.Message, error) {
	m, err := c.d.rest.ChannelMessageSend(c.channelID, content)
	if err != nil {
		return nil, translateError("ChannelMessageSend", err)
	}
	return m, nil
}

func (c channelOps) sendFile(data *discordgo.MessageSend, file domain.Attachment) (string, error) {
	data.Files = []*discordgo.File{{
		Name:        file.Name,
		ContentType: file.ContentType,
		Reader:      bytes.NewReader(file.Data),
	}}
	m, err := c.d.rest.ChannelMessageSendComplex(c.channelID, data)
	if err != nil {
		return "", translateError("ChannelMessageSendComplex", err)
	}
	return m.ID, nil
}

func (c channelOps) Upload(_ context.Context, content string, file domain.Attachment) (string, error) {
	return c.sendFile(&discordgo.MessageSend{Content: content}, file)
}

func (c channelOps) React(_ context.Context, messageID, emoji string) error {
	return translateError("MessageReactionAdd", c.d.rest.MessageReactionAdd(c.channelID, messageID, emoji))
}

// DeleteMessages deletes one message at a time; messages that are already
// gone are skipped.
func (c channelOps) DeleteMessages(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := translateError("ChannelMessageDelete", c.d.rest.ChannelMessageDelete(c.channelID, id))
		if err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
			errs = append(errs, fmt.Errorf("message %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (c channelOps) Typing(context.Context) {
	if err := c.d.rest.ChannelTyping(c.channelID); err != nil {
		c.d.logger.Debug("typing indicator failed", "channel_id", c.channelID, "error", err)
	}
}

// interactionReplier answers a slash command through its interaction token,
// falling back to plain channel messages once the token has expired.
type interactionReplier struct {
	channelOps
	i *discordgo.Interaction

	mu        sync.Mutex
	responded bool
}

func (d *Discord) interactionReplier(i *discordgo.Interaction) *interactionReplier {
	return &interactionReplier{channelOps: channelOps{d: d, channelID: i.ChannelID}, i: i}
}

func (r *interactionReplier) Defer(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responded {
		return nil
	}
	err := r.d.rest.InteractionRespond(r.i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		return translateError("InteractionRespond", err)
	}
	r.responded = true
	return nil
}

func (r *interactionReplier) Whisper(ctx context.Context, content string) error {
	r.mu.Lock()
	if !r.responded {
		defer r.mu.Unlock()
		err := r.d.rest.InteractionRespond(r.i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: content, Flags: discordgo.MessageFlagsEphemeral},
		})
		if err != nil {
			return translateError("InteractionRespond", err)
		}
		r.responded = true
		return nil
	}
	r.mu.Unlock()
	_, err := r.followup(ctx, &discordgo.WebhookParams{Content: content, Flags: discordgo.MessageFlagsEphemeral})
	return err
}

func (r *interactionReplier) Post(ctx context.Context, content string) (domain.LiveMessage, error) {
	m, err := r.followup(ctx, &discordgo.WebhookParams{Content: content})
	if err != nil {
		return nil, err
	}
	if m.followup {
		return &followupMessage{d: r.d, i: r.i, id: m.ID, channelID: r.channelID}, nil
	}
	return &channelMessage{d: r.d, id: m.ID, channelID: r.channelID}, nil
}

func (r *interactionReplier) Notify(ctx context.Context, content string) (string, error) {
	m, err := r.followup(ctx, &discordgo.WebhookParams{Content: content})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

type sentMessage struct {
	*discordgo.Message
	followup bool
}

// followup sends a followup message, or a channel message when the
// interaction token is no longer valid.
func (r *interactionReplier) followup(ctx context.Context, params *discordgo.WebhookParams) (sentMessage, error) {
	if err := r.Defer(ctx); err != nil && !errors.Is(err, domain.ErrTokenExpired) {
		return sentMessage{}, err
	}
	m, err := r.d.rest.FollowupMessageCreate(r.i, true, params)
	if err == nil {
		return sentMessage{Message: m, followup: true}, nil
	}
	err = translateError("FollowupMessageCreate", err)
	if !errors.Is(err, domain.ErrTokenExpired) {
		return sentMessage{}, err
	}
	r.d.logger.Info("interaction token expired, sending to channel", "channel_id", r.channelID)
	m, err = r.send(params.Content)
	if err != nil {
		return sentMessage{}, err
	}
	return sentMessage{Message: m}, nil
}

// channelReplier answers a plain channel message.
type channelReplier struct {
	channelOps
	messageID string
	guildID   string
}

func (d *Discord) channelReplier(channelID, messageID, guildID string) *channelReplier {
	return &channelReplier{channelOps: channelOps{d: d, channelID: channelID}, messageID: messageID, guildID: guildID}
}

func (r *channelReplier) Defer(context.Context) error { return nil }

func (r *channelReplier) Post(_ context.Context, content string) (domain.LiveMessage, error) {
	m, err := r.send(content)
	if err != nil {
		return nil, err
	}
	return &channelMessage{d: r.d, id: m.ID, channelID: r.channelID}, nil
}

func (r *channelReplier) Notify(_ context.Context, content string) (string, error) {
	m, err := r.send(content)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

func (r *channelReplier) Whisper(ctx context.Context, content string) error {
	_, err := r.Notify(ctx, content)
	return err
}

// Upload attaches the file as a reply to the source message without pinging
// its author.
func (r *channelReplier) Upload(_ context.Context, content string, file domain.Attachment) (string, error) {
	return r.sendFile(&discordgo.MessageSend{
		Content:         content,
		Reference:       &discordgo.MessageReference{MessageID: r.messageID, ChannelID: r.channelID, GuildID: r.guildID},
		AllowedMentions: &discordgo.MessageAllowedMentions{RepliedUser: false},
	}, file)
}

// followupMessage is a message sent through an interaction webhook. Edits
// stop working once the interaction token expires.
type followupMessage struct {
	d         *Discord
	i         *discordgo.Interaction
	id        string
	channelID string
}

func (m *followupMessage) ID() string { return m.id }

func (m *followupMessage) Edit(ctx context.Context, content string) error {
	if err := m.d.waitEdit(ctx); err != nil {
		return err
	}
	_, err := m.d.rest.FollowupMessageEdit(m.i, m.id, &discordgo.WebhookEdit{Content: &content})
	return translateError("FollowupMessageEdit", err)
}

func (m *followupMessage) Refetch(ctx context.Context) (domain.LiveMessage, error) {
	return refetch(m.d, m.channelID, m.id)
}

// channelMessage is a message edited through the bot token.
type channelMessage struct {
	d         *Discord
	id        string
	channelID string
}

func (m *channelMessage) ID() string { return m.id }

func (m *channelMessage) Edit(ctx context.Context, content string) error {
	if err := m.d.waitEdit(ctx); err != nil {
		return err
	}
	_, err := m.d.rest.ChannelMessageEdit(m.channelID, m.id, content)
	return translateError("ChannelMessageEdit", err)
}

func (m *channelMessage) Refetch(context.Context) (domain.LiveMessage, error) {
	return refetch(m.d, m.channelID, m.id)
}

func refetch(d *Discord, channelID, id string) (domain.LiveMessage, error) {
	msg, err := d.rest.ChannelMessage(channelID, id)
	if err != nil {
		return nil, translateError("ChannelMessage", err)
	}
	return &channelMessage{d: d, id: msg.ID, channelID: channelID}, nil
}
