package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateCallback   UpdateKind = "callback"
	UpdateMembership UpdateKind = "membership"
	// UpdateOther carries only an ID. It still advances the cursor.
	UpdateOther UpdateKind = "other"
)

// Update is one remote event. IDs are assigned by the platform and are
// non-decreasing within a polling session; gaps are normal.
type Update struct {
	ID         int64
	Kind       UpdateKind
	Message    *Message
	Callback   *Callback
	Membership *MembershipChange
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	// Text is the message text, or the caption for media messages.
	Text    string
	IsGroup bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// MembershipChange reports the bot's own membership status change in a chat
// (telegram "my_chat_member").
type MembershipChange struct {
	ChatID    int64
	ChatTitle string
	FromID    int64
	OldStatus string
	NewStatus string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (r MessageRef) Target() ChatTarget { return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID} }

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyToMessageID   int
	Silent             bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// FetchRequest describes one long-poll call.
//
// Offset is the cursor ("smallest id not yet consumed"). A negative offset
// asks for the most recent updates only.
type FetchRequest struct {
	Offset  int64
	Limit   int
	Timeout time.Duration
	Allowed []string
}

// Fetcher is the long-poll half of a transport.
type Fetcher interface {
	FetchUpdates(ctx context.Context, req FetchRequest) ([]Update, error)
}

// Sender is the outbound half of a transport used by notification code.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

type Transport interface {
	Fetcher
	Sender
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

type ChatInfo struct {
	ID       int64
	Title    string
	Username string
	Type     string
}

// Name returns the username when set, otherwise the title.
func (c ChatInfo) Name() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Title
}

// ChatResolver is implemented by adapters that can look up a chat by id.
type ChatResolver interface {
	ResolveChat(ctx context.Context, chatID int64) (ChatInfo, error)
}

// Identity is implemented by adapters that know the bot's own username.
type Identity interface {
	Username(ctx context.Context) (string, error)
}
