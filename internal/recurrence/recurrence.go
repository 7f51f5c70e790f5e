// Package recurrence computes follow-up fire times for repeating reminders.
// All functions are pure: they derive times from their arguments and touch
// no state, which keeps the scheduling core testable without a clock.
package recurrence

import (
	"time"

	"rembot/internal/reminder"
)

// Calendar classifies days for filtered recurrences. The holiday manager
// implements it; tests substitute fixed tables.
type Calendar interface {
	IsRestDay(t time.Time) bool
}

// maxFilterYears bounds the eligibility search so a filter that never
// matches fails instead of spinning. Four years covers every leap-day and
// holiday-table combination the built-in day classes can produce.
const maxFilterYears = 4

// Next advances from by exactly one period of p.
//
// Daily and weekly steps preserve local time-of-day across DST changes.
// Monthly steps preserve day-of-month, clamping to the last valid day when
// the target month is shorter (Jan 31 becomes Feb 28, or Feb 29 in leap
// years). Yearly steps clamp the same way, so Feb 29 anchors land on Feb 28
// in non-leap years. The clamp is sticky: once a monthly reminder lands on
// Feb 28 the following step yields Mar 28, because the stored time is the
// only anchor carried forward.
//
// Non-repeating policies return from unchanged; callers check Repeats first.
func Next(p reminder.Policy, from time.Time) time.Time {
	switch p {
	case reminder.PolicyDaily:
		return from.AddDate(0, 0, 1)
	case reminder.PolicyWeekly:
		return from.AddDate(0, 0, 7)
	case reminder.PolicyMonthly:
		return addMonths(from, 1)
	case reminder.PolicyYearly:
		return addYears(from, 1)
	}
	return from
}

// NextAfter returns the earliest occurrence strictly after now, stepping
// from from one period at a time. Multiple missed periods collapse into the
// single returned time, so a daily reminder ten days stale yields one
// catch-up occurrence, not ten. ok is false for non-repeating policies.
func NextAfter(p reminder.Policy, from, now time.Time) (time.Time, bool) {
	if !p.Repeats() {
		return time.Time{}, false
	}
	next := Next(p, from)
	for !next.After(now) {
		next = Next(p, next)
	}
	return next, true
}

// NextEligible returns the earliest occurrence strictly after now that also
// passes the day filter. The forward search stops after maxFilterYears past
// now and reports ok=false if nothing matched by then. cal must be non-nil
// whenever f is set.
func NextEligible(p reminder.Policy, f reminder.Filter, cal Calendar, from, now time.Time) (time.Time, bool) {
	next, ok := NextAfter(p, from, now)
	if !ok {
		return time.Time{}, false
	}
	if f == reminder.FilterNone {
		return next, true
	}
	horizon := now.AddDate(maxFilterYears, 0, 0)
	for !next.After(horizon) {
		if Eligible(f, cal, next) {
			return next, true
		}
		next = Next(p, next)
	}
	return time.Time{}, false
}

// Eligible reports whether t passes f under cal's day classes.
func Eligible(f reminder.Filter, cal Calendar, t time.Time) bool {
	switch f {
	case reminder.FilterWorkdays:
		return !cal.IsRestDay(t)
	case reminder.FilterRestdays:
		return cal.IsRestDay(t)
	}
	return true
}

// addMonths adds months calendar months to t, clamping the day-of-month to
// the target month's length. time.AddDate is unsuitable here: it normalizes
// overflow, turning Jan 31 + 1 month into Mar 2.
func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	anchor := time.Date(y, m+time.Month(months), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	if last := lastDayOfMonth(anchor.Year(), anchor.Month()); d > last {
		d = last
	}
	return time.Date(anchor.Year(), anchor.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func addYears(t time.Time, years int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	if last := lastDayOfMonth(y+years, m); d > last {
		d = last
	}
	return time.Date(y+years, m, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

// lastDayOfMonth exploits time.Date normalization: day zero of the following
// month is the last day of this one.
func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
