package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 20s
  poll_limit: 50
  owner_user_ids: [42]
logging:
  level: debug
  console: true
notifier:
  enabled: true
  chat_id: -100123
  bot_name: pollbot
heartbeat:
  enabled: true
  schedule: "@every 1m"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.Limit() != 50 {
		t.Fatalf("unexpected telegram: %+v", cfg.Telegram)
	}
	if d, _ := cfg.Telegram.PollTimeoutDuration(); d != 20*time.Second {
		t.Fatalf("poll timeout=%v", d)
	}
	if cfg.Notifier.ChatID != -100123 || len(cfg.Telegram.OwnerUserIDs) != 1 {
		t.Fatalf("unexpected notifier/owners: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"t","owner_user_ids":[]}}`)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d, _ := cfg.Telegram.PollTimeoutDuration(); d != DefaultPollTimeout {
		t.Fatalf("default poll timeout=%v", d)
	}
	if cfg.Telegram.Limit() != DefaultPollLimit || cfg.Telegram.SendRate() != DefaultSendRatePerSec {
		t.Fatalf("defaults not applied: %+v", cfg.Telegram)
	}
	if cfg.Heartbeat.Message() != DefaultHeartbeatText {
		t.Fatalf("heartbeat text=%q", cfg.Heartbeat.Message())
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", "telegram:\n  token: t\n  tokne: x\n")
	if _, err := NewConfigManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "tokne") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseRejectsResendWindow(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", "telegram:\n  token: t\nnotifier:\n  resend_window: 1m\n")
	if _, err := NewConfigManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "resend_window") {
		t.Fatalf("expected resend_window to be rejected, got %v", err)
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"t"}} {}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing token", Config{}, "telegram.token"},
		{"bad timeout", Config{Telegram: TelegramConfig{Token: "t", PollTimeout: "soon"}}, "poll_timeout"},
		{"negative limit", Config{Telegram: TelegramConfig{Token: "t", PollLimit: -1}}, "poll_limit"},
		{"notifier without chat", Config{Telegram: TelegramConfig{Token: "t"}, Notifier: NotifierConfig{Enabled: true}}, "chat_id"},
		{"log sink without notifier", Config{
			Telegram: TelegramConfig{Token: "t"},
			Logging:  LoggingConfig{Telegram: LoggingTelegram{Enabled: true}},
		}, "logging.telegram"},
		{"bad schedule", Config{
			Telegram:  TelegramConfig{Token: "t"},
			Notifier:  NotifierConfig{Enabled: true, ChatID: 1},
			Heartbeat: HeartbeatConfig{Enabled: true, Schedule: "every minute"},
		}, "heartbeat.schedule"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	ok := Config{Telegram: TelegramConfig{Token: "t"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("minimal config: %v", err)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("blank: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "0s", time.Second); err != nil || d != time.Second {
		t.Fatalf("zero: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", " 3m ", time.Second); err != nil || d != 3*time.Minute {
		t.Fatalf("3m: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("expected negative duration error")
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "old", OwnerUserIDs: []int64{1}}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "new", OwnerUserIDs: []int64{1, 2}},
		Logging:  LoggingConfig{Level: "debug"},
		Notifier: NotifierConfig{Enabled: true, ChatID: 5},
	}
	ch := SummarizeChange(oldCfg, newCfg)
	joined := strings.Join(ch.Sections, ",")
	for _, want := range []string{"telegram.owners", "logging", "notifier.enabled"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("sections %v missing %q", ch.Sections, want)
		}
	}
	restart := strings.Join(ch.RestartRequired, ",")
	if !strings.Contains(restart, "telegram.token") || !strings.Contains(restart, "notifier.destination") {
		t.Fatalf("restart list=%v", ch.RestartRequired)
	}

	if same := SummarizeChange(newCfg, newCfg); len(same.Sections) != 0 || len(same.RestartRequired) != 0 {
		t.Fatalf("identical configs reported changes: %+v", same)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("expected newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestWatchReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "telegram:\n  token: t\n")
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rejected := make(chan struct{}, 4)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "reject" {
			select {
			case rejected <- struct{}{}:
			default:
			}
			return context.Canceled
		}
		return nil
	})
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "config.yaml", "telegram:\n  token: t\nlogging:\n  level: reject\n")
	select {
	case <-rejected:
	case <-time.After(3 * time.Second):
		t.Fatalf("validator never saw the rejected config")
	}

	writeFile(t, dir, "config.yaml", "telegram:\n  token: t\nlogging:\n  level: debug\n")
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("reload not committed")
	}
}
