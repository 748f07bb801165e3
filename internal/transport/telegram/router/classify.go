package router

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// EventKind is how the dispatcher sees one update.
type EventKind string

const (
	EventCommand    EventKind = "command"
	EventPlain      EventKind = "plain"
	EventCallback   EventKind = "callback"
	EventMembership EventKind = "membership"
	EventOther      EventKind = "other"
)

// Classification is the result of parsing message text as a command.
type Classification struct {
	IsCommand bool
	// Name is the command without the leading "/" and without "@bot".
	Name string
	// Rest is the text after the command token, leading whitespace kept.
	Rest string
	// ForOtherBot is set when the command is addressed to a different bot.
	ForOtherBot bool
}

// Classify parses text as "/name[@bot][rest]".
//
// The token runs from after the "/" up to the first rune that is not a
// letter, digit, punctuation or symbol (normally whitespace). A bare "/" is
// not a command. A "@bot" suffix must match botUsername, case-insensitively;
// otherwise the text is not a command for this bot.
func Classify(text, botUsername string) Classification {
	end := commandEnd(text)
	if end <= 1 {
		return Classification{}
	}
	token := text[1:end]

	name := token
	if at := strings.IndexByte(token, '@'); at >= 0 {
		target := token[at+1:]
		if botUsername == "" || !strings.EqualFold(target, botUsername) {
			return Classification{ForOtherBot: true}
		}
		name = token[:at]
	}
	if name == "" {
		return Classification{}
	}
	return Classification{IsCommand: true, Name: name, Rest: text[end:]}
}

// commandEnd returns the byte offset just past the command token, or 0 when
// text does not start with "/".
func commandEnd(text string) int {
	if !strings.HasPrefix(text, "/") {
		return 0
	}
	end := 1
	for end < len(text) {
		r, size := utf8.DecodeRuneInString(text[end:])
		if !isCommandRune(r) {
			break
		}
		end += size
	}
	return end
}

func isCommandRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// TextWithoutCommand returns what follows the command token, untouched:
// "/say hi" -> " hi". Text that is not a command yields "".
func TextWithoutCommand(text string) string {
	if end := commandEnd(text); end > 1 {
		return text[end:]
	}
	return ""
}
