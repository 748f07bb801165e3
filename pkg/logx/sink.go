package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Records whose "comp" field is one of these are never forwarded to the sink.
// The notifier logs its own delivery failures; forwarding them would loop.
var suppressedComps = map[string]bool{
	"notifier":   true,
	"logx.sink":  true,
	"tg.adapter": true,
}

// SuppressComp excludes records tagged comp=name from the chat sink.
// Call during startup, before logging begins.
func SuppressComp(name string) {
	suppressedComps[name] = true
}

type sinkWriter struct{ svc *Service }

func (w *sinkWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *sinkWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	sink := s.sink
	lim := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	if sink == nil || lim == nil || level < min {
		return len(p), nil
	}
	msg := formatSinkLine(p)
	if msg == "" {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}
	s.enqueue(msg)
	return len(p), nil
}

// formatSinkLine renders a zerolog JSON line as chat text.
// Caller and time are dropped so identical events render identically and can coalesce.
func formatSinkLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}
	if comp, _ := m["comp"].(string); suppressedComps[comp] {
		return ""
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(fmt.Sprint(v), 900))
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(v), 600))
	}

	return truncate(b.String(), 3500)
}

// truncate caps s at maxN bytes without splitting a UTF-8 sequence.
func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:runeStart(s, maxN)]
	}
	return s[:runeStart(s, maxN-3)] + "..."
}

// runeStart backs i up to the start of the rune containing s[i].
func runeStart(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
