package router

import (
	"sort"
	"strings"

	"rembot/pkg/tgui"
)

// helpText renders /help output. The result is HTML parse mode safe.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return renderHelpIndex(root)
	}

	cur := root
	full := make([]string, 0, len(path))
	for _, tok := range path {
		next, ok := cur.child(tok)
		if !ok {
			leaf := alias[tok]
			if leaf == nil || leaf.cmd == nil {
				return renderHelpUnknown()
			}
			cur = leaf
			full = splitRoute(leaf.cmd.Route)
			break
		}
		cur = next
		full = append(full, tok)
	}
	return renderHelpNode(cur, full)
}

func renderHelpUnknown() string {
	return tgui.JoinH("\n",
		"❓ "+tgui.B("Unknown command"),
		"Type "+tgui.Code("/help")+" to see the command list.",
	).String()
}

type helpRow struct {
	name string
	desc string
	lock bool
}

func renderHelpIndex(root *cmdNode) string {
	rows := make([]helpRow, 0, len(root.children))
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		if n == nil {
			continue
		}
		rows = append(rows, helpRow{name: name, desc: nodeSummary(n), lock: subtreeOwnerOnly(n)})
	}
	// Owner-only entries sink to the bottom, alphabetical within each half.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	parts := []tgui.H{
		"📒 " + tgui.B("Commands"),
		"Type " + tgui.Code("/help <cmd>") + " for details.",
	}
	for _, r := range rows {
		parts = append(parts, helpLine(r.lock, "/"+r.name, r.desc))
	}
	parts = append(parts, "Tip: in Telegram, type "+tgui.Code("/")+" to see autocomplete suggestions.")
	return tgui.JoinH("\n", parts...).String()
}

// helpLine renders one "• /cmd · desc" row, locked entries get the 🔒.
func helpLine(lock bool, cmd, desc string) tgui.H {
	line := tgui.H("• ")
	if lock {
		line = "• 🔒 "
	}
	line += tgui.Code(cmd)
	if desc != "" {
		line += " · " + tgui.Esc(desc)
	}
	return line
}

func renderHelpNode(cur *cmdNode, full []string) string {
	title := "/" + strings.Join(full, " ")
	parts := []tgui.H{"📒 " + tgui.B("Help") + " " + tgui.Code(title)}

	if cur != nil && cur.cmd != nil {
		c := cur.cmd
		if d := strings.TrimSpace(c.Description); d != "" {
			parts = append(parts, tgui.Esc(d))
		}
		if c.Access == AccessOwnerOnly {
			parts = append(parts, "🔒 "+tgui.I("owner only"))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			parts = append(parts, tgui.B("Usage"), tgui.Code(u))
		}
		if short := commandShortcuts(*c); len(short) > 0 {
			parts = append(parts, tgui.B("Shortcuts"))
			for _, s := range short {
				parts = append(parts, "• "+tgui.Code("/"+s))
			}
		}
	} else {
		parts = append(parts, tgui.Esc("Command group (has subcommands)."))
		if subtreeOwnerOnly(cur) {
			parts = append(parts, "🔒 "+tgui.I("owner only"))
		}
	}

	if cur != nil && len(cur.children) > 0 {
		parts = append(parts, tgui.B("Subcommands"))
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			if n == nil {
				continue
			}
			sub := "/" + strings.Join(append(append([]string(nil), full...), name), " ")
			parts = append(parts, helpLine(subtreeOwnerOnly(n), sub, nodeSummary(n)))
		}
	}

	return tgui.JoinH("\n", parts...).String()
}

// nodeSummary is the one-line description shown next to an entry: the
// command's own description, or a peek at a group's subcommands.
func nodeSummary(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	more := false
	if len(kids) > 3 {
		kids, more = kids[:3], true
	}
	s := "subcommands: " + strings.Join(kids, ", ")
	if more {
		s += ", …"
	}
	return s
}

// subtreeOwnerOnly reports whether everything reachable from n is
// owner-only, which decides the 🔒 marker for groups.
func subtreeOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	return allOwnerOnly(n)
}

func allOwnerOnly(n *cmdNode) bool {
	if n.cmd != nil && n.cmd.Access == AccessEveryone {
		return false
	}
	for _, ch := range n.children {
		if !allOwnerOnly(ch) {
			return false
		}
	}
	return true
}

// commandShortcuts lists the alternate spellings of c: the flattened menu
// command plus aliases and their Telegram-safe forms.
func commandShortcuts(c Command) []string {
	seen := map[string]bool{}
	if menu, ok := telegramCommandNameFromRoute(splitRoute(c.Route)); ok {
		seen[menu] = true
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.ContainsRune(a, ' ') {
			continue
		}
		seen[a] = true
		if sa := sanitizeTelegramCommand(a); sa != "" {
			seen[sa] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
