// Package transport defines the chat-platform-neutral types exchanged
// between adapters and the rest of rembot. Everything above the adapter
// speaks these types; nothing above the adapter imports telebot.
package transport

import "context"

// Adapter is the platform driver. Start feeds incoming updates into out
// until ctx is cancelled; SendText delivers one message.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// CommandMenuUpdater is implemented by adapters whose platform has a
// native command menu (Telegram's "/" autocomplete). Optional.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// Update is one incoming event. rembot consumes plain text messages only;
// adapters drop everything else before the router sees it.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic, 0 when the chat has no topics
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// ChatTarget addresses an outgoing message. Reminder targets round-trip
// through it verbatim; the scheduling core never looks inside.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a message the adapter already sent.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one unit of work for the delivery pipeline.
type Notification struct {
	Target  ChatTarget
	Text    string
	Options *SendOptions
}

// BotCommand is one entry of a platform command menu.
type BotCommand struct {
	Command     string
	Description string
}
