package router

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	kit "pollbot/internal/transport"
	logx "pollbot/pkg/logx"
)

var ErrUnknownCommand = errors.New("router: unknown command")

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Name is matched case-sensitively, without the leading "/".
	Name        string
	Description string
	Access      Access
	// Timeout overrides the dispatcher default when > 0.
	Timeout time.Duration
	Handle  HandlerFunc
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithOwners(ids []int64) Option {
	return func(d *Dispatcher) { d.owners = append([]int64(nil), ids...) }
}

// WithHandlerTimeout bounds each handler call. Zero disables the bound.
func WithHandlerTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.timeout = t } }

// WithUsername sets the bot username used to match "/cmd@bot".
func WithUsername(u string) Option { return func(d *Dispatcher) { d.username = u } }

// Dispatcher routes each update to at most one handler. Handler errors and
// panics are logged and never returned to the caller.
type Dispatcher struct {
	tr  kit.Transport
	log logx.Logger

	mu         sync.RWMutex
	commands   map[string]Command
	plain      HandlerFunc
	callback   HandlerFunc
	membership HandlerFunc
	owners     []int64
	username   string
	timeout    time.Duration
}

func New(tr kit.Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tr:       tr,
		log:      logx.Nop(),
		commands: map[string]Command{},
		timeout:  30 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RegisterCommand binds name to h. A later registration of the same name
// replaces the earlier one.
func (d *Dispatcher) RegisterCommand(name string, h HandlerFunc, description ...string) {
	d.Register(Command{Name: name, Description: strings.Join(description, " "), Handle: h})
}

func (d *Dispatcher) Register(c Command) {
	c.Name = strings.TrimPrefix(strings.TrimSpace(c.Name), "/")
	if c.Name == "" || c.Handle == nil {
		d.log.Warn("ignoring invalid command registration", logx.String("cmd", c.Name))
		return
	}
	c.Description = strings.TrimSpace(c.Description)
	d.mu.Lock()
	d.commands[c.Name] = c
	d.mu.Unlock()
}

// RegisterNonCommandHandler handles messages that are not commands for this bot.
func (d *Dispatcher) RegisterNonCommandHandler(h HandlerFunc) {
	d.mu.Lock()
	d.plain = h
	d.mu.Unlock()
}

func (d *Dispatcher) RegisterCallbackHandler(h HandlerFunc) {
	d.mu.Lock()
	d.callback = h
	d.mu.Unlock()
}

func (d *Dispatcher) RegisterMembershipHandler(h HandlerFunc) {
	d.mu.Lock()
	d.membership = h
	d.mu.Unlock()
}

func (d *Dispatcher) SetUsername(u string) {
	d.mu.Lock()
	d.username = strings.TrimPrefix(strings.TrimSpace(u), "@")
	d.mu.Unlock()
}

func (d *Dispatcher) Username() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.username
}

// SetOwners replaces the owner list used for AccessOwnerOnly.
func (d *Dispatcher) SetOwners(ids []int64) {
	cp := append([]int64(nil), ids...)
	d.mu.Lock()
	d.owners = cp
	d.mu.Unlock()
}

// Commands returns the registered commands sorted by name.
func (d *Dispatcher) Commands() []Command {
	d.mu.RLock()
	out := make([]Command, 0, len(d.commands))
	for _, c := range d.commands {
		out = append(out, c)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs the handler for up, if any.
func (d *Dispatcher) Dispatch(ctx context.Context, up kit.Update) {
	d.mu.RLock()
	username := d.username
	owners := append([]int64(nil), d.owners...)
	d.mu.RUnlock()

	req := &Request{Update: up, Transport: d.tr, Owners: owners, Kind: EventOther}
	var (
		h       HandlerFunc
		timeout = d.timeout
	)

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		m := up.Message
		req.Chat = kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
		req.FromID, req.FromUsername, req.Text = m.FromID, m.FromUsername, m.Text

		cls := Classify(m.Text, username)
		if !cls.IsCommand {
			req.Kind = EventPlain
			h = d.handler(&d.plain)
			break
		}
		req.Kind = EventCommand
		req.Command, req.Rest, req.Args = cls.Name, cls.Rest, strings.Fields(cls.Rest)

		d.mu.RLock()
		cmd, ok := d.commands[cls.Name]
		d.mu.RUnlock()
		if !ok {
			d.log.Debug("unknown command", logx.String("cmd", cls.Name), logx.Int64("update_id", up.ID))
			return
		}
		if cmd.Access == AccessOwnerOnly && !isOwner(m.FromID, owners) {
			d.log.Info("owner-only command refused", logx.String("cmd", cmd.Name), logx.Int64("from_id", m.FromID))
			if d.tr != nil {
				_, _ = d.tr.SendText(ctx, req.Chat, "unauthorized", nil)
			}
			return
		}
		h = cmd.Handle
		if cmd.Timeout > 0 {
			timeout = cmd.Timeout
		}

	case kit.UpdateCallback:
		if up.Callback == nil {
			return
		}
		cb := up.Callback
		req.Kind = EventCallback
		req.Chat = kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
		req.FromID, req.Payload = cb.FromID, cb.Data
		h = d.handler(&d.callback)
		if h != nil && d.tr != nil {
			defer func() { _ = d.tr.AnswerCallback(ctx, cb.ID, "") }()
		}

	case kit.UpdateMembership:
		if up.Membership == nil {
			return
		}
		req.Kind = EventMembership
		req.Chat = kit.ChatTarget{ChatID: up.Membership.ChatID}
		req.FromID = up.Membership.FromID
		h = d.handler(&d.membership)
	}

	if h == nil {
		return
	}
	d.run(ctx, req, h, timeout)
}

func (d *Dispatcher) handler(slot *HandlerFunc) HandlerFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return *slot
}

func (d *Dispatcher) run(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) error {
	req.ReqID = newReqID()
	fields := []logx.Field{
		logx.String("rid", req.ReqID),
		logx.String("kind", string(req.Kind)),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
	}
	if req.Command != "" {
		fields = append(fields, logx.String("cmd", req.Command))
	}
	req.Logger = d.log.With(fields...)
	final := Chain(h,
		MWPanicRecover(d.log),
		MWRequestLog(d.log),
		MWTimeout(timeout),
	)
	return final(ctx, req)
}

// BroadcastCommand invokes a command handler directly with msg as the
// triggering message, bypassing classification and owner checks. The
// handler error is returned.
func (d *Dispatcher) BroadcastCommand(ctx context.Context, name string, msg kit.Message) error {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	d.mu.RLock()
	cmd, ok := d.commands[name]
	owners := append([]int64(nil), d.owners...)
	d.mu.RUnlock()
	if !ok {
		return ErrUnknownCommand
	}
	rest := ""
	if cls := Classify(msg.Text, d.Username()); cls.IsCommand {
		rest = cls.Rest
	}
	req := &Request{
		Update:       kit.Update{Kind: kit.UpdateMessage, Message: &msg},
		Kind:         EventCommand,
		Chat:         kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Rest:         rest,
		Text:         msg.Text,
		Args:         strings.Fields(rest),
		Transport:    d.tr,
		Owners:       owners,
	}
	timeout := d.timeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	return d.run(ctx, req, cmd.Handle, timeout)
}

// SyncMenu publishes described commands to the platform menu when the
// transport supports it.
func (d *Dispatcher) SyncMenu(ctx context.Context) error {
	up, ok := d.tr.(kit.CommandMenuUpdater)
	if !ok || up == nil {
		return nil
	}
	return up.UpdateMenuCommands(ctx, MenuCommands(d.Commands()))
}
