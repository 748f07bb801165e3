package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"pollbot/internal/notifier"
	kit "pollbot/internal/transport"
	"pollbot/internal/transport/telegram/router"
	"pollbot/pkg/tgui"
)

var htmlOpts = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

func (a *App) registerBuiltins() {
	a.router.Register(router.Command{
		Name:        "help",
		Description: "list commands",
		Handle: func(ctx context.Context, req *router.Request) error {
			_, err := req.Reply(ctx, router.HelpText(a.router.Commands(), req.IsOwner()), htmlOpts)
			return err
		},
	})
	a.router.Register(router.Command{
		Name:        "ping",
		Description: "check the bot is alive",
		Handle: func(ctx context.Context, req *router.Request) error {
			_, err := req.Reply(ctx, "pong", nil)
			return err
		},
	})
	a.router.Register(router.Command{
		Name:        "status",
		Description: "poller and notifier state",
		Access:      router.AccessOwnerOnly,
		Handle: func(ctx context.Context, req *router.Request) error {
			_, err := req.Reply(ctx, a.statusText(), htmlOpts)
			return err
		},
	})
}

func (a *App) statusText() string {
	st := a.loop.Stats()
	last := "never"
	if !st.LastFetchAt.IsZero() {
		last = time.Since(st.LastFetchAt).Round(time.Second).String() + " ago"
	}
	lines := []string{
		tgui.B("Poller").String(),
		fmt.Sprintf("cursor: %s", tgui.Code(fmt.Sprint(st.Cursor))),
		fmt.Sprintf("batches: %d  dispatched: %d  skipped: %d", st.Batches, st.Dispatched, st.Skipped),
		fmt.Sprintf("fetch errors: %d  last fetch: %s", st.FetchErrors, tgui.Esc(last)),
		"",
		tgui.B("Notifier").String(),
		fmt.Sprintf("enabled: %t  destination valid: %t", a.coal.Enabled(), a.channel.IsValid()),
	}
	lines = append(lines, recordLines(a.coal.Snapshot())...)
	if a.logs != nil {
		lines = append(lines, fmt.Sprintf("log lines dropped: %d", a.logs.Dropped()))
	}
	return strings.Join(lines, "\n")
}

func recordLines(recs map[notifier.Key]notifier.Record) []string {
	if len(recs) == 0 {
		return []string{tgui.I("no messages sent yet").String()}
	}
	keys := make([]notifier.Key, 0, len(recs))
	for k := range recs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ChatID != keys[j].ChatID {
			return keys[i].ChatID < keys[j].ChatID
		}
		return keys[i].ThreadID < keys[j].ThreadID
	})
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		r := recs[k]
		out = append(out, fmt.Sprintf("• %s msg=%d repeat=%d age=%s",
			tgui.Code(fmt.Sprintf("%d/%d", k.ChatID, k.ThreadID)),
			r.MessageID, r.Repeat, time.Since(r.SentAt).Round(time.Second)))
	}
	return out
}
