package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"pollbot/internal/eventbus"
	kit "pollbot/internal/transport"
	logx "pollbot/pkg/logx"
	"pollbot/pkg/tgui"
)

type Option func(*Coalescer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coalescer) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(c *Coalescer) { c.log = log } }

func WithBus(b eventbus.Bus) Option {
	return func(c *Coalescer) {
		if b != nil {
			c.bus = b
		}
	}
}

type entry struct {
	mu  sync.Mutex
	rec Record
	ok  bool
}

// Coalescer is safe for concurrent use. Calls for the same Key are
// serialized; calls for different keys run independently.
type Coalescer struct {
	sender kit.Sender
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	enabled atomic.Bool

	mu      sync.Mutex
	entries map[Key]*entry
}

func New(sender kit.Sender, opts ...Option) *Coalescer {
	c := &Coalescer{
		sender:  sender,
		log:     logx.Nop(),
		bus:     eventbus.Nop(),
		now:     time.Now,
		entries: map[Key]*entry{},
	}
	c.enabled.Store(true)
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coalescer) SetEnabled(on bool) { c.enabled.Store(on) }

func (c *Coalescer) Enabled() bool { return c.enabled.Load() }

func (c *Coalescer) entry(k Key) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		e = &entry{}
		c.entries[k] = e
	}
	return e
}

// Record returns the last delivery for k.
func (c *Coalescer) Record(k Key) (Record, bool) {
	c.mu.Lock()
	e, ok := c.entries[k]
	c.mu.Unlock()
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, e.ok
}

// Snapshot copies all records.
func (c *Coalescer) Snapshot() map[Key]Record {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	out := make(map[Key]Record, len(keys))
	for _, k := range keys {
		if rec, ok := c.Record(k); ok {
			out[k] = rec
		}
	}
	return out
}

// bodyRuneLimit keeps the escaped body plus the repeat annotation inside one
// Telegram message, so the edit always rewrites the whole notification.
const bodyRuneLimit = 4000 - 64

// escapeCapped HTML-escapes content, dropping trailing runes with "…" so the
// escaped form fits in limit runes. Entities are never cut.
func escapeCapped(content string, limit int) tgui.H {
	body := tgui.Esc(content)
	if utf8.RuneCountInString(body.String()) <= limit {
		return body
	}
	var b strings.Builder
	n := 0
	for _, r := range content {
		piece := tgui.Esc(string(r)).String()
		w := utf8.RuneCountInString(piece)
		if n+w > limit-1 {
			break
		}
		b.WriteString(piece)
		n += w
	}
	b.WriteString("…")
	return tgui.Raw(b.String())
}

func repeatedText(body tgui.H, n int) string {
	return body.String() + "\n\n" + tgui.B(fmt.Sprintf("Repeated %d Times", n)).String()
}

var htmlOpts = kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

// Notify delivers content to k. Empty content is a no-op. When disabled it
// returns ErrDisabled and touches nothing. A failed send leaves the stored
// record as it was and is not retried.
func (c *Coalescer) Notify(ctx context.Context, k Key, content string) (Result, error) {
	if content == "" {
		return Result{}, nil
	}
	if !c.Enabled() {
		return Result{}, ErrDisabled
	}

	e := c.entry(k)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := c.now()
	body := escapeCapped(content, bodyRuneLimit)
	opts := htmlOpts

	if e.ok && e.rec.Content == content && now.Sub(e.rec.SentAt) < ResendWindow {
		n := e.rec.Repeat + 1
		ref := kit.MessageRef{ChatID: k.ChatID, ThreadID: k.ThreadID, MessageID: e.rec.MessageID}
		err := c.sender.EditText(ctx, ref, repeatedText(body, n), &opts)
		if err == nil {
			e.rec.Repeat = n
			c.publish(eventbus.TypeNotifyEdited, k, ref.MessageID, n, nil)
			return Result{Action: ActionEdited, Ref: ref, Repeat: n}, nil
		}
		c.log.Warn("edit failed, sending a new message",
			logx.Int64("chat_id", k.ChatID),
			logx.Int("message_id", ref.MessageID),
			logx.String("kind", kit.KindOf(err).String()),
			logx.Err(err))
	}

	ref, err := c.sender.SendText(ctx, k.Target(), body.String(), &opts)
	if err != nil {
		c.log.Warn("send failed", logx.Int64("chat_id", k.ChatID), logx.Int("thread_id", k.ThreadID), logx.Err(err))
		c.publish(eventbus.TypeNotifyFailed, k, 0, 0, err)
		return Result{}, fmt.Errorf("notifier: send: %w", err)
	}
	e.rec = Record{Content: content, SentAt: now, MessageID: ref.MessageID, Repeat: 1}
	e.ok = true
	c.publish(eventbus.TypeNotifySent, k, ref.MessageID, 1, nil)
	return Result{Action: ActionSent, Ref: ref, Repeat: 1}, nil
}

func (c *Coalescer) publish(typ string, k Key, msgID, repeat int, err error) {
	ev := Event{ChatID: k.ChatID, ThreadID: k.ThreadID, MessageID: msgID, Repeat: repeat}
	if err != nil {
		ev.Error = err.Error()
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
