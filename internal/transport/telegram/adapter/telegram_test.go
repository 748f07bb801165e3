package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	kit "pollbot/internal/transport"
	logx "pollbot/pkg/logx"
)

const testToken = "123:abc"

// fakeAPI serves Bot API methods from canned handlers and records request bodies.
type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string][]byte
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{
		calls:    map[string]int{},
		bodies:   map[string][]byte{},
		handlers: map[string]func(w http.ResponseWriter, r *http.Request){},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.TrimPrefix(r.URL.Path, "/bot"+testToken+"/")
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.calls[method]++
		f.bodies[method] = body
		h := f.handlers[method]
		f.mu.Unlock()
		if h == nil {
			writeJSON(w, map[string]any{"ok": false, "error_code": 404, "description": "Not Found: method " + method})
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) handle(method string, h func(w http.ResponseWriter, r *http.Request)) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeAPI) reply(method string, result any) {
	f.handle(method, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "result": result})
	})
}

func (f *fakeAPI) fail(method string, code int, desc string) {
	f.handle(method, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": false, "error_code": code, "description": desc})
	})
}

func (f *fakeAPI) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeAPI) body(method string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[method]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a, err := New(Config{
		Token:          testToken,
		APIURL:         srv.URL,
		PollTimeout:    time.Second,
		SendRatePerSec: 1000,
		BackoffBase:    40 * time.Millisecond,
		BackoffMax:     80 * time.Millisecond,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestFetchUpdatesMapsUpdates(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.reply("getUpdates", []map[string]any{
		{"update_id": 17, "message": map[string]any{
			"message_id": 1, "date": 0, "text": "/ping",
			"from": map[string]any{"id": 42, "username": "alice"},
			"chat": map[string]any{"id": 42, "type": "private"},
		}},
		{"update_id": 18, "message": map[string]any{
			"message_id": 2, "date": 0, "caption": "/status", "message_thread_id": 9,
			"from": map[string]any{"id": 43},
			"chat": map[string]any{"id": -100, "type": "supergroup"},
		}},
		{"update_id": 19, "callback_query": map[string]any{
			"id": "cb1", "data": "page:2", "chat_instance": "x",
			"from":    map[string]any{"id": 44},
			"message": map[string]any{"message_id": 3, "date": 0, "chat": map[string]any{"id": -100, "type": "supergroup"}},
		}},
		{"update_id": 20, "my_chat_member": map[string]any{
			"date": 0,
			"chat": map[string]any{"id": -200, "title": "ops", "type": "group"},
			"from": map[string]any{"id": 45},
			"old_chat_member": map[string]any{"status": "left", "user": map[string]any{"id": 1}},
			"new_chat_member": map[string]any{"status": "member", "user": map[string]any{"id": 1}},
		}},
		{"update_id": 21, "edited_message": map[string]any{
			"message_id": 4, "date": 0, "text": "edited",
			"chat": map[string]any{"id": 42, "type": "private"},
		}},
	})
	a := newTestAdapter(t, srv)

	ups, err := a.FetchUpdates(context.Background(), kit.FetchRequest{Offset: 17, Timeout: 2 * time.Second, Allowed: []string{"message"}})
	if err != nil {
		t.Fatalf("FetchUpdates: %v", err)
	}

	var sent getUpdatesRequest
	if err := json.Unmarshal(api.body("getUpdates"), &sent); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if sent.Offset != 17 || sent.Limit != 100 || sent.Timeout != 2 || len(sent.Allowed) != 1 {
		t.Fatalf("unexpected request %+v", sent)
	}

	if len(ups) != 5 {
		t.Fatalf("got %d updates, want 5", len(ups))
	}
	if ups[0].Kind != kit.UpdateMessage || ups[0].Message.Text != "/ping" || ups[0].Message.FromUsername != "alice" || ups[0].Message.IsGroup {
		t.Fatalf("unexpected text update %+v", ups[0].Message)
	}
	if m := ups[1].Message; m.Text != "/status" || m.ThreadID != 9 || !m.IsGroup || m.ChatID != -100 {
		t.Fatalf("caption update not mapped: %+v", m)
	}
	if cb := ups[2].Callback; ups[2].Kind != kit.UpdateCallback || cb.ID != "cb1" || cb.ChatID != -100 || cb.MessageID != 3 || cb.FromID != 44 {
		t.Fatalf("unexpected callback %+v", ups[2])
	}
	if mc := ups[3].Membership; ups[3].Kind != kit.UpdateMembership || mc.OldStatus != "left" || mc.NewStatus != "member" || mc.ChatTitle != "ops" {
		t.Fatalf("unexpected membership %+v", ups[3])
	}
	if ups[4].Kind != kit.UpdateOther || ups[4].ID != 21 {
		t.Fatalf("unhandled update should keep its id: %+v", ups[4])
	}
}

func TestFetchUpdatesUnblocksOnCancel(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	release := make(chan struct{})
	defer close(release)
	api.handle("getUpdates", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	a := newTestAdapter(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := a.FetchUpdates(ctx, kit.FetchRequest{Timeout: 30 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancel did not unblock the pending fetch")
	}
}

func TestFetchUpdatesBacksOffAfterFailure(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.fail("getUpdates", 502, "Bad Gateway")
	a := newTestAdapter(t, srv)

	_, err := a.FetchUpdates(context.Background(), kit.FetchRequest{})
	if !kit.IsTemporary(err) {
		t.Fatalf("502 should be transient, got %v (kind %v)", err, kit.KindOf(err))
	}

	api.reply("getUpdates", []any{})
	start := time.Now()
	if _, err := a.FetchUpdates(context.Background(), kit.FetchRequest{}); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("second fetch did not back off (took %v)", elapsed)
	}

	start = time.Now()
	if _, err := a.FetchUpdates(context.Background(), kit.FetchRequest{}); err != nil {
		t.Fatalf("third fetch: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 40*time.Millisecond {
		t.Fatalf("backoff was not reset after success (took %v)", elapsed)
	}
}

func TestSendTextReturnsRef(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.reply("sendMessage", map[string]any{
		"message_id": 77, "date": 0, "text": "hi",
		"chat": map[string]any{"id": 5, "type": "private"},
	})
	a := newTestAdapter(t, srv)

	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 5, ThreadID: 3}, "hi", &kit.SendOptions{ParseMode: "HTML"})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref != (kit.MessageRef{ChatID: 5, ThreadID: 3, MessageID: 77}) {
		t.Fatalf("unexpected ref %+v", ref)
	}
	if !strings.Contains(string(api.body("sendMessage")), `"parse_mode":"HTML"`) {
		t.Fatalf("parse mode not sent: %s", api.body("sendMessage"))
	}
}

func TestEditTextMissingMessage(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.fail("editMessageText", 400, "Bad Request: message to edit not found")
	a := newTestAdapter(t, srv)

	err := a.EditText(context.Background(), kit.MessageRef{ChatID: 5, MessageID: 9}, "x", nil)
	if !kit.IsNotFound(err) {
		t.Fatalf("err = %v (kind %v), want not found", err, kit.KindOf(err))
	}
}

func TestEditTextRejectsOversizedText(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.reply("editMessageText", true)
	api.reply("sendMessage", map[string]any{"message_id": 1, "date": 0, "chat": map[string]any{"id": 5, "type": "private"}})
	a := newTestAdapter(t, srv)

	err := a.EditText(context.Background(), kit.MessageRef{ChatID: 5, MessageID: 9}, strings.Repeat("a", telegramTextLimit+1), nil)
	if kit.KindOf(err) != kit.KindPermanent {
		t.Fatalf("err = %v (kind %v), want permanent", err, kit.KindOf(err))
	}
	if api.count("editMessageText") != 0 || api.count("sendMessage") != 0 {
		t.Fatalf("oversized edit reached the API: edits=%d sends=%d", api.count("editMessageText"), api.count("sendMessage"))
	}

	if err := a.EditText(context.Background(), kit.MessageRef{ChatID: 5, MessageID: 9}, strings.Repeat("a", telegramTextLimit), nil); err != nil {
		t.Fatalf("edit at the limit: %v", err)
	}
	if api.count("editMessageText") != 1 || api.count("sendMessage") != 0 {
		t.Fatalf("edit must touch one message only: edits=%d sends=%d", api.count("editMessageText"), api.count("sendMessage"))
	}
}

func TestUpdateMenuCommandsSkipsUnchanged(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.reply("setMyCommands", true)
	a := newTestAdapter(t, srv)

	cmds := []kit.BotCommand{
		{Command: "/help", Description: "list commands"},
		{Command: "hidden"},
	}
	for i := 0; i < 2; i++ {
		if err := a.UpdateMenuCommands(context.Background(), cmds); err != nil {
			t.Fatalf("UpdateMenuCommands: %v", err)
		}
	}
	if n := api.count("setMyCommands"); n != 1 {
		t.Fatalf("setMyCommands called %d times, want 1", n)
	}

	var sent struct {
		Commands []struct {
			Command     string `json:"command"`
			Description string `json:"description"`
		} `json:"commands"`
	}
	if err := json.Unmarshal(api.body("setMyCommands"), &sent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sent.Commands) != 1 || sent.Commands[0].Command != "help" {
		t.Fatalf("only described commands should be published: %+v", sent.Commands)
	}
}

func TestResolveChatAndUsername(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.reply("getChat", map[string]any{"id": -100, "type": "supergroup", "title": "alerts"})
	api.reply("getMe", map[string]any{"id": 1, "is_bot": true, "first_name": "Poll", "username": "poll_bot"})
	a := newTestAdapter(t, srv)

	info, err := a.ResolveChat(context.Background(), -100)
	if err != nil {
		t.Fatalf("ResolveChat: %v", err)
	}
	if info.Title != "alerts" || info.Type != "supergroup" || info.Name() != "alerts" {
		t.Fatalf("unexpected chat info %+v", info)
	}

	for i := 0; i < 2; i++ {
		u, err := a.Username(context.Background())
		if err != nil || u != "poll_bot" {
			t.Fatalf("Username = %q, %v", u, err)
		}
	}
	if n := api.count("getMe"); n != 1 {
		t.Fatalf("getMe called %d times, want 1 (cached)", n)
	}

	api.fail("getChat", 400, "Bad Request: chat not found")
	if _, err := a.ResolveChat(context.Background(), 1); !kit.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestKindFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		code int
		desc string
		want kit.ErrorKind
	}{
		{401, "Unauthorized", kit.KindPermanent},
		{403, "Forbidden: bot was blocked by the user", kit.KindPermanent},
		{400, "Bad Request: message to edit not found", kit.KindNotFound},
		{400, "Bad Request: chat not found", kit.KindNotFound},
		{429, "Too Many Requests: retry after 5", kit.KindTransient},
		{502, "Bad Gateway", kit.KindTransient},
		{0, "dial tcp: connection refused", kit.KindTransient},
	}
	for _, tc := range cases {
		if got := kindFor(tc.code, tc.desc); got != tc.want {
			t.Errorf("kindFor(%d, %q) = %v, want %v", tc.code, tc.desc, got, tc.want)
		}
	}
}

func TestClassifyParsesCodeSuffix(t *testing.T) {
	t.Parallel()
	err := classify("sendMessage", errors.New("telegram: Forbidden: something new (403)"))
	if kit.KindOf(err) != kit.KindPermanent {
		t.Fatalf("kind = %v, want permanent", kit.KindOf(err))
	}
	if classify("x", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
	if !errors.Is(classify("x", context.Canceled), context.Canceled) {
		t.Fatal("cancellation must pass through")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	base, max := 100*time.Millisecond, time.Second
	if d := backoffDelay(0, base, max); d != 0 {
		t.Fatalf("no failures should not wait, got %v", d)
	}
	if d := backoffDelay(1, base, max); d < base || d > base+base/5 {
		t.Fatalf("first delay out of range: %v", d)
	}
	if d := backoffDelay(3, base, max); d < 4*base || d > 4*base+4*base/5 {
		t.Fatalf("third delay out of range: %v", d)
	}
	if d := backoffDelay(50, base, max); d < max || d > max+max/5 {
		t.Fatalf("delay not capped: %v", d)
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	if got := splitTelegramText("", 10, ""); len(got) != 1 || got[0] != "" {
		t.Fatalf("empty text should yield one empty chunk, got %q", got)
	}

	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(text, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("newline split = %q", got)
	}

	html := "abcdefg<b>bold</b>"
	for _, c := range splitTelegramText(html, 9, "HTML") {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("chunk %q splits a tag", c)
		}
	}

	long := strings.Repeat("x", 25)
	for _, c := range splitTelegramText(long, 10, "") {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk longer than limit: %q", c)
		}
	}
}
