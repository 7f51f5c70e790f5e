package router

import (
	"sort"
	"strings"
	"unicode"

	kit "rembot/internal/transport"
)

// sanitizeTelegramCommand maps an arbitrary route or alias onto Telegram's
// command alphabet, [a-z0-9_]{1,32}. Separators become single underscores,
// anything else is dropped, and a leading digit gets a "cmd_" prefix since
// clients expect commands to start with a letter.
func sanitizeTelegramCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))
	joined := false // last emitted byte is '_'
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			joined = false
		case r == '_':
			if !joined {
				b.WriteByte('_')
				joined = true
			}
		case r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !joined {
				b.WriteByte('_')
				joined = true
			}
		}
	}

	out := capCommand(strings.Trim(b.String(), "_"))
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = capCommand("cmd_" + out)
	}
	return out
}

// capCommand enforces Telegram's 32-byte command name limit.
func capCommand(s string) string {
	if len(s) > 32 {
		s = strings.TrimRight(s[:32], "_")
	}
	return s
}

// telegramCommandNameFromRoute flattens a route into one command name,
// ["remind","ls"] -> "remind_ls".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	if len(route) == 0 {
		return "", false
	}
	name := sanitizeTelegramCommand(strings.Join(route, "_"))
	return name, name != ""
}

// buildTelegramMenuCommands assembles the setMyCommands list: top-level
// groups first for autocomplete, then flattened leaf shortcuts such as
// /remind_add. Telegram caps the list at 100 entries.
func buildTelegramMenuCommands(root *cmdNode, leafCmds []Command) []kit.BotCommand {
	type menuEntry struct {
		name string
		desc string
		rank int // 0 = top-level group, 1 = leaf shortcut
	}
	seen := map[string]menuEntry{}

	put := func(name, desc string, rank int) {
		name = sanitizeTelegramCommand(name)
		if name == "" {
			return
		}
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = name
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		// On a collision the lower rank wins, then the shorter description.
		if prev, dup := seen[name]; dup {
			if prev.rank < rank || (prev.rank == rank && len(prev.desc) <= len(desc)) {
				return
			}
		}
		seen[name] = menuEntry{name: name, desc: desc, rank: rank}
	}

	if root != nil {
		for _, name := range root.childNames() {
			n, _ := root.child(name)
			if n == nil {
				continue
			}
			put(name, lockDesc(nodeSummary(n), subtreeOwnerOnly(n)), 0)
		}
	}

	for _, c := range leafCmds {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			// single-token routes are already in the top-level list
			continue
		}
		name, ok := telegramCommandNameFromRoute(route)
		if !ok {
			continue
		}
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = strings.Join(route, " ")
		}
		put(name, lockDesc(desc, c.Access == AccessOwnerOnly), 1)
	}

	entries := make([]menuEntry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rank != entries[j].rank {
			return entries[i].rank < entries[j].rank
		}
		return entries[i].name < entries[j].name
	})

	out := make([]kit.BotCommand, 0, len(entries))
	for _, e := range entries {
		out = append(out, kit.BotCommand{Command: e.name, Description: e.desc})
		if len(out) == 100 {
			break
		}
	}
	return out
}

func lockDesc(desc string, ownerOnly bool) string {
	if ownerOnly {
		return "🔒 " + desc
	}
	return desc
}
