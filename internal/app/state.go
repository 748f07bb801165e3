package app

import (
	"sort"
	"time"

	"pollbot/internal/poller"
)

// AppState is the JSON document served at /debug/state.
type AppState struct {
	Username        string        `json:"username"`
	Poller          poller.Stats  `json:"poller"`
	NotifyEnabled   bool          `json:"notify_enabled"`
	NotifyValid     bool          `json:"notify_valid"`
	Records         []RecordState `json:"records"`
	LogLinesDropped uint64        `json:"log_lines_dropped"`
	Goroutines      int64         `json:"goroutines"`
}

type RecordState struct {
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id"`
	MessageID int       `json:"message_id"`
	Repeat    int       `json:"repeat"`
	SentAt    time.Time `json:"sent_at"`
}

func (a *App) State() AppState {
	out := AppState{
		Username:        a.router.Username(),
		Poller:          a.loop.Stats(),
		NotifyEnabled:   a.coal.Enabled(),
		NotifyValid:     a.channel.IsValid(),
		LogLinesDropped: a.logs.Dropped(),
	}
	for k, r := range a.coal.Snapshot() {
		out.Records = append(out.Records, RecordState{
			ChatID:    k.ChatID,
			ThreadID:  k.ThreadID,
			MessageID: r.MessageID,
			Repeat:    r.Repeat,
			SentAt:    r.SentAt,
		})
	}
	sort.Slice(out.Records, func(i, j int) bool {
		if out.Records[i].ChatID != out.Records[j].ChatID {
			return out.Records[i].ChatID < out.Records[j].ChatID
		}
		return out.Records[i].ThreadID < out.Records[j].ThreadID
	})
	if a.sup != nil {
		out.Goroutines = a.sup.Counters().Active
	}
	return out
}
