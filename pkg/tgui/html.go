package tgui

import (
	"html"
	"strings"
)

// H is a fragment that is already safe for Telegram's HTML parse mode.
// Build values with Esc or the tag helpers; only use Raw for literals.
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text into an H fragment.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw asserts that s is already valid Telegram HTML.
func Raw(s string) H { return H(s) }

// B, I and Code escape s and wrap it in the matching tag.
func B(s string) H    { return "<b>" + Esc(s) + "</b>" }
func I(s string) H    { return "<i>" + Esc(s) + "</i>" }
func Code(s string) H { return "<code>" + Esc(s) + "</code>" }

// JoinH concatenates the non-blank parts with sep between them.
func JoinH(sep string, parts ...H) H {
	var b strings.Builder
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(string(p))
	}
	return H(b.String())
}
