package router

import (
	"html"
	"strings"

	kit "pollbot/internal/transport"
)

// validMenuName reports whether s is accepted by Telegram as a menu command:
// [a-z0-9_]{1,32}.
func validMenuName(s string) bool {
	if s == "" || len(s) > 32 {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// MenuCommands lists commands that have a description and a menu-safe name.
// Owner-only entries are marked with a lock.
func MenuCommands(cmds []Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" || !validMenuName(c.Name) {
			continue
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}

// HelpText renders the command table as Telegram HTML.
// Owner-only commands are listed last and only when showOwner is set.
func HelpText(cmds []Command, showOwner bool) string {
	var public, owner []string
	for _, c := range cmds {
		line := "• <code>/" + html.EscapeString(c.Name) + "</code>"
		if c.Description != "" {
			line += " - " + html.EscapeString(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			if showOwner {
				owner = append(owner, "• 🔒"+strings.TrimPrefix(line, "•"))
			}
			continue
		}
		public = append(public, line)
	}
	lines := append([]string{"📚 <b>Commands</b>"}, public...)
	lines = append(lines, owner...)
	if len(public)+len(owner) == 0 {
		lines = append(lines, "<i>no commands registered</i>")
	}
	return strings.Join(lines, "\n")
}
