package router

import (
	"fmt"
	"strings"
	"time"

	"rembot/internal/reminder"
)

// parseWhen resolves the leading time tokens of a "/remind add" invocation.
// Accepted forms:
//
//	2026-09-01 09:00   absolute date + time (two tokens)
//	08:30              next occurrence of that wall time (today or tomorrow)
//	+45m               offset from now (Go duration)
//
// It returns the resolved time and how many tokens were consumed.
func parseWhen(now time.Time, args []string) (time.Time, int, error) {
	if len(args) == 0 {
		return time.Time{}, 0, fmt.Errorf("%w: time is required", reminder.ErrInvalidSchedule)
	}
	first := args[0]
	switch {
	case strings.HasPrefix(first, "+"):
		d, err := time.ParseDuration(first[1:])
		if err != nil || d <= 0 {
			return time.Time{}, 0, fmt.Errorf("%w: bad offset %q", reminder.ErrInvalidSchedule, first)
		}
		return now.Add(d), 1, nil

	case looksLikeDate(first):
		if len(args) < 2 {
			return time.Time{}, 0, fmt.Errorf("%w: %s needs a time of day (HH:MM)", reminder.ErrInvalidSchedule, first)
		}
		at, err := time.ParseInLocation("2006-01-02 15:04", first+" "+args[1], now.Location())
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("%w: bad date/time %q", reminder.ErrInvalidSchedule, first+" "+args[1])
		}
		return at, 2, nil

	case strings.Contains(first, ":"):
		hm, err := time.ParseInLocation("15:04", first, now.Location())
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("%w: bad time %q", reminder.ErrInvalidSchedule, first)
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), hm.Hour(), hm.Minute(), 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, 1, nil
	}
	return time.Time{}, 0, fmt.Errorf("%w: unrecognized time %q", reminder.ErrInvalidSchedule, first)
}

func looksLikeDate(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if i == 4 || i == 7 {
			continue
		}
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseAddArgs turns the raw "/remind add" argument vector into a creation
// request (target left to the caller). Grammar:
//
//	<when> [daily|weekly|monthly|yearly] [workdays|restdays] <message…>
//
// Only the four repeat words are consumed as a policy, so a one-off message
// may start with any word. Filter words are consumed only after a policy,
// which keeps e.g. "+5m holidays are coming" intact.
func parseAddArgs(now time.Time, args []string) (reminder.CreateRequest, error) {
	var req reminder.CreateRequest
	at, used, err := parseWhen(now, args)
	if err != nil {
		return reminder.CreateRequest{}, err
	}
	rest := args[used:]

	if len(rest) > 0 {
		if p, perr := reminder.ParsePolicy(rest[0]); perr == nil && p.Repeats() {
			req.Policy = p
			rest = rest[1:]
		}
	}
	if req.Policy.Repeats() && len(rest) > 0 {
		if f, ferr := reminder.ParseFilter(rest[0]); ferr == nil && f != reminder.FilterNone {
			req.Filter = f
			rest = rest[1:]
		}
	}
	if len(rest) == 0 {
		return reminder.CreateRequest{}, fmt.Errorf("%w: message is empty", reminder.ErrInvalidSchedule)
	}
	req.At = at
	req.Message = strings.Join(rest, " ")
	return req, nil
}
