package tgui

// TruncRunes caps s at n runes, marking the cut with a single "…".
// Strings of at most n runes come back unchanged.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}
