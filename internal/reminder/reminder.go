// Package reminder defines the persisted reminder model shared by the
// storage, scheduling, and dispatch layers.
package reminder

import (
	"fmt"
	"strings"
	"time"
)

// ID identifies a reminder. IDs are assigned by the store at creation,
// increase monotonically, and are never reused within a process lifetime
// (the high-water mark is persisted alongside the records).
type ID int64

// Policy is the recurrence rule governing how the next fire time is derived.
type Policy string

const (
	PolicyNone    Policy = "none"
	PolicyDaily   Policy = "daily"
	PolicyWeekly  Policy = "weekly"
	PolicyMonthly Policy = "monthly"
	PolicyYearly  Policy = "yearly"
)

// Repeats reports whether the policy produces further occurrences after a fire.
func (p Policy) Repeats() bool { return p != PolicyNone && p != "" }

func (p Policy) Valid() bool {
	switch p {
	case PolicyNone, PolicyDaily, PolicyWeekly, PolicyMonthly, PolicyYearly:
		return true
	}
	return false
}

// ParsePolicy maps a user-supplied word to a Policy. Empty means one-off.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "once":
		return PolicyNone, nil
	case "daily":
		return PolicyDaily, nil
	case "weekly":
		return PolicyWeekly, nil
	case "monthly":
		return PolicyMonthly, nil
	case "yearly":
		return PolicyYearly, nil
	}
	return "", fmt.Errorf("%w: unknown policy %q", ErrInvalidSchedule, s)
}

// Filter restricts which computed occurrences of a repeating reminder are
// eligible, using the holiday calendar's day classes.
type Filter string

const (
	FilterNone     Filter = ""
	FilterWorkdays Filter = "workdays"
	FilterRestdays Filter = "restdays"
)

func (f Filter) Valid() bool {
	switch f {
	case FilterNone, FilterWorkdays, FilterRestdays:
		return true
	}
	return false
}

func ParseFilter(s string) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return FilterNone, nil
	case "workdays", "workday":
		return FilterWorkdays, nil
	case "restdays", "restday", "holidays":
		return FilterRestdays, nil
	}
	return "", fmt.Errorf("%w: unknown filter %q", ErrInvalidSchedule, s)
}

// Status is the persisted lifecycle marker.
//
// StatusFiring is written durably before delivery is attempted so that a
// crash inside the fire window is recoverable: rows found in StatusFiring at
// startup are re-delivered (at-least-once). Retirement is deletion, not a
// status.
type Status string

const (
	StatusPending Status = "pending"
	StatusFiring  Status = "firing"
)

func (s Status) Valid() bool { return s == StatusPending || s == StatusFiring }

// Reminder is the persisted unit.
//
// ScheduledAt is owned by the engine: after each fire of a repeating
// reminder it advances to the next eligible occurrence. External callers
// never mutate it directly (edits are delete+recreate).
type Reminder struct {
	ID          ID        `json:"id"`
	Message     string    `json:"message"`
	Target      string    `json:"target"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Policy      Policy    `json:"policy"`
	Filter      Filter    `json:"filter,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Status      Status    `json:"status"`
}

// CreateRequest is the structured creation input produced upstream (command
// parsing, tests). The core never interprets free text.
type CreateRequest struct {
	Message string
	Target  string
	At      time.Time
	Policy  Policy
	Filter  Filter
}
