package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	kit "pollbot/internal/transport"
	logx "pollbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	defaultSendRate    = 25
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

type Config struct {
	Token       string
	APIURL      string
	PollTimeout time.Duration
	// SendRatePerSec caps outbound sendMessage/editMessageText calls.
	SendRatePerSec int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// Client overrides the HTTP client. Its timeout must exceed PollTimeout.
	Client *http.Client
}

// Adapter is the Telegram transport. All calls go through one explicitly
// constructed telebot client; telebot's own poller is never started.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	failMu   sync.Mutex
	failures int

	username atomic.Value // string

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.SendRatePerSec <= 0 {
		cfg.SendRatePerSec = defaultSendRate
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = defaultBackoffMax
		if cfg.BackoffMax < cfg.BackoffBase {
			cfg.BackoffMax = cfg.BackoffBase
		}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.PollTimeout + 5*time.Second}
	}

	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendRatePerSec),
	}
	a.username.Store("")
	return a, nil
}

// do runs fn in its own goroutine and stops waiting once ctx is done.
// telebot calls take no context, so a cancelled call finishes in the
// background and is bounded by the HTTP client timeout.
func (a *Adapter) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (a *Adapter) raw(ctx context.Context, method string, payload any) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := a.bot.Raw(method, payload)
		done <- result{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.data, r.err
	}
}

func (a *Adapter) sendOptions(to kit.ChatTarget, opt *kit.SendOptions, withMarkup bool) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.Silent,
		ThreadID:              to.ThreadID,
	}
	if opt.ReplyToMessageID != 0 {
		so.ReplyTo = &tele.Message{ID: opt.ReplyToMessageID, Chat: &tele.Chat{ID: to.ChatID}}
	}
	if withMarkup && opt.ReplyMarkupAdapter != nil {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			so.ReplyMarkup = rm
		}
	}
	return so
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return first, err
		}
		var msg *tele.Message
		err := a.do(ctx, func() error {
			var err error
			msg, err = a.bot.Send(chat, chunk, a.sendOptions(to, opt, i == 0))
			return err
		})
		if err != nil {
			return first, classify("sendMessage", err)
		}
		if i == 0 && msg != nil {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces the text of ref. The edit always targets exactly one
// message: text longer than one message is rejected, never continued.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if n := utf8.RuneCountInString(text); n > telegramTextLimit {
		return kit.Wrap("editMessageText", kit.KindPermanent,
			fmt.Errorf("text is %d runes, limit %d", n, telegramTextLimit))
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	so := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok && rm != nil {
		so.ReplyMarkup = rm
	}
	err := a.do(ctx, func() error {
		_, err := a.bot.Edit(m, text, so)
		return err
	})
	return classify("editMessageText", err)
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	err := a.do(ctx, func() error {
		return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
	})
	return classify("answerCallbackQuery", err)
}

// UpdateMenuCommands publishes the command menu (setMyCommands). Commands
// without a description are left out. The call is skipped when the list is
// unchanged since the last success.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	type cmd struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	payload := struct {
		Commands []cmd `json:"commands"`
	}{Commands: make([]cmd, 0, len(cmds))}

	h := fnv.New64a()
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Command), "/")
		d := strings.TrimSpace(c.Description)
		if name == "" || d == "" {
			continue
		}
		if r := []rune(d); len(r) > 256 {
			d = string(r[:256])
		}
		payload.Commands = append(payload.Commands, cmd{Command: name, Description: d})
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		if len(payload.Commands) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}

	if _, err := a.raw(ctx, "setMyCommands", payload); err != nil {
		return classify("setMyCommands", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(payload.Commands)))
	return nil
}

// ResolveChat looks up a chat by id (getChat).
func (a *Adapter) ResolveChat(ctx context.Context, chatID int64) (kit.ChatInfo, error) {
	data, err := a.raw(ctx, "getChat", map[string]any{"chat_id": chatID})
	if err != nil {
		return kit.ChatInfo{}, classify("getChat", err)
	}
	var resp struct {
		Result *tele.Chat `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return kit.ChatInfo{}, kit.Wrap("getChat", kit.KindTransient, err)
	}
	if resp.Result == nil {
		return kit.ChatInfo{}, kit.Wrap("getChat", kit.KindNotFound, errors.New("empty result"))
	}
	c := resp.Result
	title := c.Title
	if title == "" {
		title = strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
	return kit.ChatInfo{ID: c.ID, Title: title, Username: c.Username, Type: string(c.Type)}, nil
}

// Username returns the bot's username (getMe), cached after the first success.
func (a *Adapter) Username(ctx context.Context) (string, error) {
	if u, _ := a.username.Load().(string); u != "" {
		return u, nil
	}
	data, err := a.raw(ctx, "getMe", map[string]any{})
	if err != nil {
		return "", classify("getMe", err)
	}
	var resp struct {
		Result *tele.User `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", kit.Wrap("getMe", kit.KindTransient, err)
	}
	if resp.Result == nil || resp.Result.Username == "" {
		return "", kit.Wrap("getMe", kit.KindPermanent, errors.New("bot has no username"))
	}
	a.username.Store(resp.Result.Username)
	return resp.Result.Username, nil
}
