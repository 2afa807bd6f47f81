package domain

import "context"

// ChatUser identifies the person behind a command or message.
type ChatUser struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Mention     string `json:"mention,omitempty"`
}

// InboundMessage is a plain channel message received from the chat platform.
type InboundMessage struct {
	ID        string
	ChannelID string
	GuildID   string
	Author    ChatUser
	Content   string
	FromBot   bool
}

// Attachment is a file delivered alongside a chat message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// LiveMessage is a posted message that is edited in place as a run progresses.
type LiveMessage interface {
	ID() string
	// Edit replaces the message content. Fails with ErrTokenExpired when the
	// credential the handle was created with is no longer valid.
	Edit(ctx context.Context, content string) error
	// Refetch returns a fresh handle to the same message by its id.
	Refetch(ctx context.Context) (LiveMessage, error)
}

// Replier is the reply surface of one command invocation or inbound message.
type Replier interface {
	// Defer acknowledges the invocation when the reply will take a while.
	Defer(ctx context.Context) error
	// Post sends the message that later edits target.
	Post(ctx context.Context, content string) (LiveMessage, error)
	// Notify sends a plain message to the channel and returns its id.
	Notify(ctx context.Context, content string) (string, error)
	// Whisper sends a message only the invoking user sees, where the
	// platform supports it.
	Whisper(ctx context.Context, content string) error
	// Upload sends a file to the channel and returns the message id.
	Upload(ctx context.Context, content string, file Attachment) (string, error)
	// React adds an emoji reaction to a channel message.
	React(ctx context.Context, messageID, emoji string) error
	// DeleteMessages removes channel messages by id. Already-deleted messages
	// are not an error.
	DeleteMessages(ctx context.Context, ids []string) error
	// Typing shows a typing indicator. Best effort.
	Typing(ctx context.Context)
}

// Invocation is one slash command call: who ran it, where, and how to answer.
type Invocation struct {
	User      ChatUser
	ChannelID string
	Reply     Replier
}
