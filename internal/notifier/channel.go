package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	kit "pollbot/internal/transport"
	"pollbot/pkg/tgui"
)

// maxContentRunes keeps one notification inside a single Telegram message,
// leaving room for escaping and the repeat annotation.
const maxContentRunes = 3500

// Channel is a Coalescer bound to one destination. It does nothing until
// Validate has confirmed the destination chat exists.
type Channel struct {
	c        *Coalescer
	key      Key
	resolver kit.ChatResolver

	valid atomic.Bool

	mu      sync.RWMutex
	botName string
	chat    kit.ChatInfo
}

func NewChannel(c *Coalescer, key Key, resolver kit.ChatResolver, botName string) *Channel {
	return &Channel{c: c, key: key, resolver: resolver, botName: botName}
}

func (ch *Channel) Key() Key { return ch.key }

func (ch *Channel) Coalescer() *Coalescer { return ch.c }

// SetBotName changes the "[name]: " prefix used for chats without a thread.
func (ch *Channel) SetBotName(name string) {
	ch.mu.Lock()
	ch.botName = name
	ch.mu.Unlock()
}

// Validate looks up the destination chat. On failure the channel stays
// non-operational and Log becomes a no-op.
func (ch *Channel) Validate(ctx context.Context) error {
	if ch.resolver == nil {
		ch.valid.Store(false)
		return errors.New("notifier: no chat resolver")
	}
	info, err := ch.resolver.ResolveChat(ctx, ch.key.ChatID)
	if err != nil {
		ch.valid.Store(false)
		return fmt.Errorf("notifier: resolve chat %d: %w", ch.key.ChatID, err)
	}
	ch.mu.Lock()
	ch.chat = info
	ch.mu.Unlock()
	ch.valid.Store(true)
	return nil
}

func (ch *Channel) IsValid() bool { return ch.valid.Load() }

// Chat returns what Validate learned about the destination.
func (ch *Channel) Chat() kit.ChatInfo {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.chat
}

func (ch *Channel) format(message string) string {
	ch.mu.RLock()
	name := ch.botName
	ch.mu.RUnlock()
	if ch.key.ThreadID == 0 && name != "" {
		message = "[" + name + "]: " + message
	}
	return tgui.TruncRunes(message, maxContentRunes)
}

// Notify sends message through the coalescer.
func (ch *Channel) Notify(ctx context.Context, message string) (Result, error) {
	if !ch.IsValid() {
		return Result{}, ErrInvalid
	}
	if message == "" {
		return Result{}, nil
	}
	return ch.c.Notify(ctx, ch.key, ch.format(message))
}

// Log is Notify without a result. Failures are logged by the coalescer.
func (ch *Channel) Log(ctx context.Context, message string) {
	_, _ = ch.Notify(ctx, message)
}
