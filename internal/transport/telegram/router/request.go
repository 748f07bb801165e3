package router

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	kit "pollbot/internal/transport"
	logx "pollbot/pkg/logx"
)

var ErrNoTransport = errors.New("router: no transport")

// Request is what a handler sees for one update.
type Request struct {
	Update       kit.Update
	Kind         EventKind
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string

	// Command is the matched command name (commands only).
	Command string
	// Rest is the raw text after the command token; Text is the full text.
	Rest string
	Text string
	Args []string

	// Payload is the callback data (callbacks only).
	Payload string

	ReqID     string
	Transport kit.Transport
	Logger    logx.Logger
	Owners    []int64
}

// Reply sends text to the chat/thread the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if r.Transport == nil {
		return kit.MessageRef{}, ErrNoTransport
	}
	return r.Transport.SendText(ctx, r.Chat, text, opt)
}

// IsOwner reports whether the sender is one of the configured owners.
func (r *Request) IsOwner() bool { return isOwner(r.FromID, r.Owners) }

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
