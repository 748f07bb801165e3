package adapter

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "pollbot/internal/transport"
	logx "pollbot/pkg/logx"
)

type getUpdatesRequest struct {
	Offset  int64    `json:"offset"`
	Limit   int      `json:"limit"`
	Timeout int      `json:"timeout"`
	Allowed []string `json:"allowed_updates,omitempty"`
}

// FetchUpdates long-polls getUpdates. After a failure the next call first
// waits a jittered exponential delay; a success resets it.
func (a *Adapter) FetchUpdates(ctx context.Context, req kit.FetchRequest) ([]kit.Update, error) {
	if err := a.waitBackoff(ctx); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit < 1 || limit > 100 {
		limit = 100
	}
	timeout := req.Timeout
	if timeout < 0 {
		timeout = 0
	}
	payload := getUpdatesRequest{
		Offset:  req.Offset,
		Limit:   limit,
		Timeout: int(timeout / time.Second),
		Allowed: req.Allowed,
	}

	data, err := a.raw(ctx, "getUpdates", payload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.noteFailure()
		return nil, classify("getUpdates", err)
	}

	var resp struct {
		Result []tele.Update `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		a.noteFailure()
		return nil, kit.Wrap("getUpdates", kit.KindTransient, err)
	}
	a.resetFailures()

	out := make([]kit.Update, 0, len(resp.Result))
	for i := range resp.Result {
		out = append(out, mapUpdate(&resp.Result[i]))
	}
	return out, nil
}

func (a *Adapter) waitBackoff(ctx context.Context) error {
	a.failMu.Lock()
	n := a.failures
	a.failMu.Unlock()
	if n == 0 {
		return nil
	}
	d := backoffDelay(n, a.cfg.BackoffBase, a.cfg.BackoffMax)
	a.log.Debug("fetch backoff", logx.Int("failures", n), logx.Duration("delay", d))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (a *Adapter) noteFailure() {
	a.failMu.Lock()
	a.failures++
	a.failMu.Unlock()
}

func (a *Adapter) resetFailures() {
	a.failMu.Lock()
	a.failures = 0
	a.failMu.Unlock()
}

// backoffDelay returns base*2^(n-1) capped at max, plus up to 20% jitter.
func backoffDelay(n int, base, max time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}

func mapUpdate(u *tele.Update) kit.Update {
	up := kit.Update{ID: int64(u.ID), Kind: kit.UpdateOther}
	switch {
	case u.Message != nil:
		up.Kind = kit.UpdateMessage
		up.Message = mapMessage(u.Message)
	case u.Callback != nil:
		up.Kind = kit.UpdateCallback
		up.Callback = mapCallback(u.Callback)
	case u.MyChatMember != nil:
		up.Kind = kit.UpdateMembership
		up.Membership = mapMembership(u.MyChatMember)
	}
	return up
}

func mapMessage(m *tele.Message) *kit.Message {
	out := &kit.Message{ID: m.ID, ThreadID: m.ThreadID, Text: m.Text}
	if out.Text == "" {
		out.Text = m.Caption
	}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
		out.IsGroup = m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	return out
}

func mapCallback(cb *tele.Callback) *kit.Callback {
	out := &kit.Callback{ID: cb.ID, Data: cb.Data}
	if cb.Sender != nil {
		out.FromID = cb.Sender.ID
	}
	if m := cb.Message; m != nil {
		out.MessageID = m.ID
		out.ThreadID = m.ThreadID
		if m.Chat != nil {
			out.ChatID = m.Chat.ID
		}
	}
	return out
}

func mapMembership(cm *tele.ChatMemberUpdate) *kit.MembershipChange {
	out := &kit.MembershipChange{}
	if cm.Chat != nil {
		out.ChatID = cm.Chat.ID
		out.ChatTitle = cm.Chat.Title
	}
	if cm.Sender != nil {
		out.FromID = cm.Sender.ID
	}
	if cm.OldChatMember != nil {
		out.OldStatus = string(cm.OldChatMember.Role)
	}
	if cm.NewChatMember != nil {
		out.NewStatus = string(cm.NewChatMember.Role)
	}
	return out
}
