package pprof

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "pollbot/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}

func TestHandlerAuthAndHooks(t *testing.T) {
	healthy := true
	s := New(Config{}, Hooks{
		Healthy: func() bool { return healthy },
		State:   func() any { return map[string]int{"cursor": 7} },
	}, logx.Nop())
	srv := httptest.NewServer(s.handler("secret"))
	defer srv.Close()

	get := func(path, auth string) (int, string) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		if auth != "" {
			req.Header.Set("Authorization", "Bearer "+auth)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, _ := get("/healthz", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code, body := get("/healthz", "secret"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, _ := get("/healthz?token=secret", ""); code != http.StatusOK {
		t.Fatalf("query token rejected: %d", code)
	}
	healthy = false
	if code, _ := get("/healthz", "secret"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if code, body := get("/debug/state", "secret"); code != http.StatusOK || !strings.Contains(body, `"cursor": 7`) {
		t.Fatalf("state: %d %q", code, body)
	}
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Hooks{}, logx.Nop())
	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("addr still set after Stop")
	}
	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Enabled() {
		t.Fatalf("expected disabled")
	}
}
