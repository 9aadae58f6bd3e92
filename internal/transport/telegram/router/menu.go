package router

import (
	"strings"
	"unicode"

	kit "livecast/internal/transport"
)

// sanitizeCommand converts a name into a Telegram bot command:
// [a-z0-9_]{1,32}, starting with a letter.
func sanitizeCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/")))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// buildMenu lists commands for the client's autocomplete menu, in
// registration order, capped at Telegram's 100 entries.
func buildMenu(cmds []*Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = c.Name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
		if len(out) == 100 {
			break
		}
	}
	return out
}
