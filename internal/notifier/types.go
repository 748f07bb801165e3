package notifier

import (
	"errors"
	"time"

	kit "pollbot/internal/transport"
)

// ResendWindow is how long after a send identical text is folded into the
// sent message. It is measured from the original send, not the last edit.
const ResendWindow = 10 * time.Minute

var (
	ErrDisabled = errors.New("notifier disabled")
	ErrInvalid  = errors.New("notifier channel not validated")
)

// Key identifies a destination: a chat and an optional forum thread.
type Key struct {
	ChatID   int64
	ThreadID int
}

func (k Key) Target() kit.ChatTarget { return kit.ChatTarget{ChatID: k.ChatID, ThreadID: k.ThreadID} }

// Record is the last message delivered to a Key.
type Record struct {
	Content   string
	SentAt    time.Time
	MessageID int
	// Repeat is how many times Content has been delivered into MessageID.
	Repeat int
}

type Action string

const (
	ActionNone   Action = ""
	ActionSent   Action = "sent"
	ActionEdited Action = "edited"
)

// Result describes what Notify did.
type Result struct {
	Action Action
	Ref    kit.MessageRef
	Repeat int
}

// Event is the payload of notifier events on the bus.
type Event struct {
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	MessageID int    `json:"message_id,omitempty"`
	Repeat    int    `json:"repeat,omitempty"`
	Error     string `json:"error,omitempty"`
}
