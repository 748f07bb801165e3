package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

func TestFormatSinkLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"2026-01-02T03:04:05Z","caller":"loop.go:42","message":"fetch failed","err":"timeout","cursor":17}` + "\n")
	got := formatSinkLine(line)
	want := "[WARN] fetch failed\n- cursor=17\n- err=timeout"
	if got != want {
		t.Fatalf("formatSinkLine = %q, want %q", got, want)
	}
}

func TestFormatSinkLineSuppressed(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","comp":"notifier","message":"send failed"}`)
	if got := formatSinkLine(line); got != "" {
		t.Fatalf("expected suppressed record, got %q", got)
	}
}

func TestFormatSinkLineNotJSON(t *testing.T) {
	t.Parallel()
	if got := formatSinkLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatSinkLine = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
	// "é" is two bytes; a byte cut at 9 would land inside the fifth one.
	got := truncate(strings.Repeat("é", 8), 12)
	if !utf8.ValidString(got) || got != "éééé..." {
		t.Fatalf("truncate split a rune: %q", got)
	}
	if got := truncate("日本語", 4); got != "日" {
		t.Fatalf("short truncate = %q", got)
	}
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (r *recordingSink) Log(_ context.Context, message string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, message)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
}

func TestServiceForwardsToSink(t *testing.T) {
	svc, log := New(Config{
		Level:    "debug",
		File:     FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"},
		Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10},
	})
	defer svc.Close()

	sink := &recordingSink{got: make(chan struct{}, 4)}
	svc.SetSink(sink)

	log.Info("not forwarded")
	log.Warn("disk almost full", String("mount", "/data"))

	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not receive the warning")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.msgs) != 1 {
		t.Fatalf("sink got %d messages, want 1: %v", len(sink.msgs), sink.msgs)
	}
	if !strings.HasPrefix(sink.msgs[0], "[WARN] disk almost full") {
		t.Fatalf("unexpected sink message %q", sink.msgs[0])
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("ignored", Int("n", 1))
	if l.With(String("k", "v")).IsZero() {
		t.Fatal("logger with fields is not zero")
	}
}
