package router

import (
	"strings"

	"github.com/google/uuid"
)

// newReqID returns the short per-update id that ties log lines together.
func newReqID() string { return uuid.NewString()[:8] }

// tokenizeCommandLine splits a command line into tokens. Quoted spans keep
// their spaces and a backslash escapes the next byte, so
//
//	/remind add 08:30 "standup in #dev"
//
// yields four tokens.
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var (
		toks  []string
		cur   strings.Builder
		quote byte
		esc   bool
	)
	emit := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			cur.WriteByte(c)
			esc = false
		case c == '\\':
			esc = true
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			emit()
		default:
			cur.WriteByte(c)
		}
	}
	emit()
	return toks
}

// parseFlags separates positional args from flags. Accepted forms:
// --k=v, --k v, --flag, -k=v, -k v and -abc for grouped bools. A leading
// "+" token (relative time) is positional, not a flag.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}

	// valueAt reports whether args[i+1] can serve as the value for a flag.
	valueAt := func(i int) (string, bool) {
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			return args[i+1], true
		}
		return "", false
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case strings.HasPrefix(a, "--") && len(a) > 2:
			key := a[2:]
			if eq := strings.IndexByte(key, '='); eq >= 0 {
				flags[key[:eq]] = key[eq+1:]
			} else if v, ok := valueAt(i); ok {
				flags[key] = v
				i++
			} else {
				bools[key] = true
			}

		case strings.HasPrefix(a, "-") && len(a) > 1:
			key := a[1:]
			if eq := strings.IndexByte(key, '='); eq >= 0 {
				flags[key[:eq]] = key[eq+1:]
			} else if len(key) == 1 {
				if v, ok := valueAt(i); ok {
					flags[key] = v
					i++
				} else {
					bools[key] = true
				}
			} else {
				for j := 0; j < len(key); j++ {
					bools[string(key[j])] = true
				}
			}

		default:
			pos = append(pos, a)
		}
	}
	return pos, flags, bools
}
