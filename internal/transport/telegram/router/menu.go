package router

import (
	"sort"
	"strings"
	"unicode"

	kit "fwdbot/internal/transport"
)

// sanitizeTelegramCommand converts a name into a Telegram-safe bot command.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if r == '_' || r == '-' || r == '/' || unicode.IsSpace(r) {
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = strings.TrimRight(("cmd_" + out)[:min(32, len(out)+4)], "_")
	}
	return out
}

// menuCommands lists the registered commands for the Telegram /menu,
// "start" first, the rest alphabetically.
func (r *Router) menuCommands() []kit.BotCommand {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if (names[i] == "start") != (names[j] == "start") {
			return names[i] == "start"
		}
		return names[i] < names[j]
	})

	out := make([]kit.BotCommand, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		cmd := sanitizeTelegramCommand(name)
		if cmd == "" || seen[cmd] {
			continue
		}
		seen[cmd] = true
		desc := strings.ReplaceAll(strings.TrimSpace(r.commands[name].desc), "\n", " ")
		if desc == "" {
			desc = cmd
		}
		out = append(out, kit.BotCommand{Command: cmd, Description: desc})
	}
	return out
}
